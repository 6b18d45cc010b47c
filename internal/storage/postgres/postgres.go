package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"marketfeed/internal/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS candle_buckets (
		seq             BIGSERIAL,
		instrument_key  TEXT NOT NULL,
		candle_interval TEXT NOT NULL,
		day             TEXT NOT NULL,
		candles         JSONB NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (instrument_key, candle_interval, day)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_requests (
		id              TEXT PRIMARY KEY,
		instrument_key  TEXT NOT NULL,
		candle_interval TEXT NOT NULL,
		from_day        TEXT NOT NULL,
		to_day          TEXT NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tick_snapshot (
		id         INTEGER PRIMARY KEY,
		ticks      JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS instruments (
		symbol         TEXT PRIMARY KEY,
		instrument_key TEXT NOT NULL
	)`,
}

// Store is the Postgres backend for candle buckets, the pending queue, tick snapshots and
// the instrument master used for symbol lookup.
type Store struct {
	db *sql.DB
}

// Open connects with lib/pq, tunes the pool and pings.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) LoadBuckets(ctx context.Context, key, interval string) ([]types.CandleBucket, error) {
	const q = `SELECT day, candles FROM candle_buckets WHERE instrument_key = $1 AND candle_interval = $2 ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, q, key, interval)
	if err != nil {
		return nil, fmt.Errorf("load buckets: %w", err)
	}
	defer rows.Close()

	var out []types.CandleBucket
	for rows.Next() {
		var (
			day string
			raw []byte
		)
		if err := rows.Scan(&day, &raw); err != nil {
			return nil, err
		}
		b := types.CandleBucket{Date: day}
		if err := json.Unmarshal(raw, &b.Candles); err != nil {
			return nil, fmt.Errorf("decode bucket %s: %w", day, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) SaveBuckets(ctx context.Context, key, interval string, buckets []types.CandleBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	const q = `
		INSERT INTO candle_buckets (instrument_key, candle_interval, day, candles)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (instrument_key, candle_interval, day)
		DO UPDATE SET candles = EXCLUDED.candles, updated_at = now()
	`
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range buckets {
		data, err := json.Marshal(b.Candles)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, key, interval, b.Date, data); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save bucket %s: %w", b.Date, err)
		}
	}
	return tx.Commit()
}

// Enqueue upserts by request id; created_at keeps its first value.
func (s *Store) Enqueue(ctx context.Context, req types.CacheRequest) error {
	const q = `
		INSERT INTO pending_requests (id, instrument_key, candle_interval, from_day, to_day, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error
	`
	_, err := s.db.ExecContext(ctx, q,
		req.ID(), req.InstrumentKey, req.Interval, req.From, req.To,
		req.Attempts, req.LastError, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", req.ID(), err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]types.CacheRequest, error) {
	const q = `
		SELECT instrument_key, candle_interval, from_day, to_day, attempts, last_error, created_at
		FROM pending_requests ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []types.CacheRequest
	for rows.Next() {
		var r types.CacheRequest
		if err := rows.Scan(&r.InstrumentKey, &r.Interval, &r.From, &r.To, &r.Attempts, &r.LastError, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Remove(ctx context.Context, req types.CacheRequest) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_requests WHERE id = $1`, req.ID()); err != nil {
		return fmt.Errorf("remove %s: %w", req.ID(), err)
	}
	return nil
}

func (s *Store) SaveTicks(ctx context.Context, ticks []types.Tick) error {
	data, err := json.Marshal(ticks)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO tick_snapshot (id, ticks) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET ticks = EXCLUDED.ticks, updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, q, data); err != nil {
		return fmt.Errorf("save ticks: %w", err)
	}
	return nil
}

func (s *Store) LoadTicks(ctx context.Context) ([]types.Tick, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT ticks FROM tick_snapshot WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ticks: %w", err)
	}

	var ticks []types.Tick
	if err := json.Unmarshal(raw, &ticks); err != nil {
		return nil, fmt.Errorf("decode ticks: %w", err)
	}
	return ticks, nil
}

// LookupKeys resolves symbols from the instruments table. Unknown symbols are absent.
func (s *Store) LookupKeys(ctx context.Context, symbols []string) (map[string]string, error) {
	out := make(map[string]string, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, instrument_key FROM instruments WHERE symbol = ANY($1)`,
		pq.Array(symbols),
	)
	if err != nil {
		return nil, fmt.Errorf("lookup instruments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sym, key string
		if err := rows.Scan(&sym, &key); err != nil {
			return nil, err
		}
		out[sym] = key
	}
	return out, rows.Err()
}
