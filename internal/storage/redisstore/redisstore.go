package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"marketfeed/internal/types"
)

// Store persists candle buckets, pending requests and the tick snapshot in Redis.
//
// Layout, all under prefix:
//
//	candles:<key>:<interval>        hash  date -> bucket JSON
//	candles:<key>:<interval>:days   list  dates in insertion order
//	pending                         hash  request id -> request JSON
//	pending:order                   zset  request id scored by creation time
//	ticks                           string tick snapshot JSON
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New pings addr and returns a store using it.
func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(rdb, "marketfeed:"), nil
}

func NewWithClient(rdb *redis.Client, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) candlesKey(key, interval string) string {
	return fmt.Sprintf("%scandles:%s:%s", s.prefix, key, interval)
}

func (s *Store) pendingKey() string { return s.prefix + "pending" }
func (s *Store) orderKey() string   { return s.prefix + "pending:order" }
func (s *Store) ticksKey() string   { return s.prefix + "ticks" }

func (s *Store) LoadBuckets(ctx context.Context, key, interval string) ([]types.CandleBucket, error) {
	hk := s.candlesKey(key, interval)

	days, err := s.rdb.LRange(ctx, hk+":days", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	if len(days) == 0 {
		return nil, nil
	}

	raw, err := s.rdb.HMGet(ctx, hk, days...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}

	out := make([]types.CandleBucket, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var b types.CandleBucket
		if err := json.Unmarshal([]byte(str), &b); err != nil {
			return nil, fmt.Errorf("decode bucket %s: %w", days[i], err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) SaveBuckets(ctx context.Context, key, interval string, buckets []types.CandleBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	hk := s.candlesKey(key, interval)

	known, err := s.rdb.HKeys(ctx, hk).Result()
	if err != nil {
		return fmt.Errorf("redis hkeys: %w", err)
	}
	present := make(map[string]struct{}, len(known))
	for _, d := range known {
		present[d] = struct{}{}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, b := range buckets {
			data, err := json.Marshal(b)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, hk, b.Date, data)
			if _, ok := present[b.Date]; !ok {
				present[b.Date] = struct{}{}
				pipe.RPush(ctx, hk+":days", b.Date)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save buckets: %w", err)
	}
	return nil
}

// Enqueue upserts req. The original creation time decides its place in List.
func (s *Store) Enqueue(ctx context.Context, req types.CacheRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.pendingKey(), req.ID(), data)
		pipe.ZAddNX(ctx, s.orderKey(), redis.Z{Score: float64(req.CreatedAt.UnixMilli()), Member: req.ID()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]types.CacheRequest, error) {
	ids, err := s.rdb.ZRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := s.rdb.HMGet(ctx, s.pendingKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}

	out := make([]types.CacheRequest, 0, len(raw))
	for _, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var req types.CacheRequest
		if err := json.Unmarshal([]byte(str), &req); err != nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *Store) Remove(ctx context.Context, req types.CacheRequest) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.pendingKey(), req.ID())
		pipe.ZRem(ctx, s.orderKey(), req.ID())
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove: %w", err)
	}
	return nil
}

func (s *Store) SaveTicks(ctx context.Context, ticks []types.Tick) error {
	data, err := json.Marshal(ticks)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.ticksKey(), data, 0).Err()
}

func (s *Store) LoadTicks(ctx context.Context) ([]types.Tick, error) {
	data, err := s.rdb.Get(ctx, s.ticksKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get ticks: %w", err)
	}

	var ticks []types.Tick
	if err := json.Unmarshal(data, &ticks); err != nil {
		return nil, fmt.Errorf("decode ticks: %w", err)
	}
	return ticks, nil
}
