package filestore

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"marketfeed/internal/types"
)

// Store keeps candle buckets, the pending request queue and the tick snapshot as JSON files
// under dir. Every write goes to a temp file first and is renamed into place.
type Store struct {
	dir string
	mu  sync.RWMutex
}

type bucketFile struct {
	Key      string               `json:"key"`
	Interval string               `json:"interval"`
	Buckets  []types.CandleBucket `json:"buckets"`
}

func New(dir string) (*Store, error) {
	if dir == "" {
		dir = "cache"
	}
	for _, sub := range []string{"candles", "pending"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) candlePath(key, interval string) string {
	hash := md5.Sum([]byte(key + "|" + interval))
	return filepath.Join(s.dir, "candles", fmt.Sprintf("%x.json", hash))
}

func (s *Store) pendingPath(req types.CacheRequest) string {
	hash := md5.Sum([]byte(req.ID()))
	return filepath.Join(s.dir, "pending", fmt.Sprintf("%x.json", hash))
}

func (s *Store) ticksPath() string {
	return filepath.Join(s.dir, "ticks.json")
}

func (s *Store) LoadBuckets(ctx context.Context, key, interval string) ([]types.CandleBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.readBuckets(key, interval)
	if err != nil {
		return nil, err
	}
	return f.Buckets, nil
}

func (s *Store) readBuckets(key, interval string) (bucketFile, error) {
	f := bucketFile{Key: key, Interval: interval}
	if err := readJSON(s.candlePath(key, interval), &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}
		return f, err
	}
	return f, nil
}

func (s *Store) SaveBuckets(ctx context.Context, key, interval string, buckets []types.CandleBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.readBuckets(key, interval)
	if err != nil {
		return err
	}

	index := make(map[string]int, len(f.Buckets))
	for i, b := range f.Buckets {
		index[b.Date] = i
	}
	for _, b := range buckets {
		if i, ok := index[b.Date]; ok {
			f.Buckets[i] = b
			continue
		}
		index[b.Date] = len(f.Buckets)
		f.Buckets = append(f.Buckets, b)
	}

	return writeJSON(s.candlePath(key, interval), f)
}

func (s *Store) Enqueue(ctx context.Context, req types.CacheRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pendingPath(req)
	var existing types.CacheRequest
	if err := readJSON(path, &existing); err == nil && !existing.CreatedAt.IsZero() {
		req.CreatedAt = existing.CreatedAt
	}
	return writeJSON(path, req)
}

// List returns pending requests oldest first.
func (s *Store) List(ctx context.Context) ([]types.CacheRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, "pending"))
	if err != nil {
		return nil, err
	}

	var out []types.CacheRequest
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var req types.CacheRequest
		if err := readJSON(filepath.Join(s.dir, "pending", entry.Name()), &req); err != nil {
			continue
		}
		out = append(out, req)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Remove(ctx context.Context, req types.CacheRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.pendingPath(req))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) SaveTicks(ctx context.Context, ticks []types.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.ticksPath(), ticks)
}

func (s *Store) LoadTicks(ctx context.Context) ([]types.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ticks []types.Tick
	if err := readJSON(s.ticksPath(), &ticks); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ticks, nil
}

func (s *Store) Close() error { return nil }

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
