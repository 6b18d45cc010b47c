package interfaces

import (
	"context"

	"marketfeed/internal/types"
)

// CandleStore persists day buckets keyed by (instrumentKey, interval).
type CandleStore interface {
	// LoadBuckets returns buckets in insertion order; an unknown key yields an empty slice.
	LoadBuckets(ctx context.Context, instrumentKey, interval string) ([]types.CandleBucket, error)

	// SaveBuckets upserts the given buckets by date. New dates are appended after existing ones.
	SaveBuckets(ctx context.Context, instrumentKey, interval string, buckets []types.CandleBucket) error
}

// PendingQueue is the durable queue of failed historical fetches, keyed by CacheRequest.ID.
type PendingQueue interface {
	Enqueue(ctx context.Context, req types.CacheRequest) error
	List(ctx context.Context) ([]types.CacheRequest, error)
	Remove(ctx context.Context, req types.CacheRequest) error
}

// TickStore persists the rolling tick store snapshot.
type TickStore interface {
	SaveTicks(ctx context.Context, ticks []types.Tick) error
	LoadTicks(ctx context.Context) ([]types.Tick, error)
}
