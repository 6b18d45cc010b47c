package interfaces

import (
	"context"
	"time"

	"marketfeed/internal/types"
)

// HistoricalSource fetches OHLCV candles for one instrument over a date range.
type HistoricalSource interface {
	Historical(ctx context.Context, instrumentKey, interval string, from, to time.Time) ([]types.Candle, error)
}

// QuoteSource returns a point-in-time quote per instrument key.
type QuoteSource interface {
	Quotes(ctx context.Context, instrumentKeys []string) ([]types.Tick, error)
}

// Broker is the REST capability set every vendor implementation provides.
// Calls must be routed through the vendor's throttle.Throttler.
type Broker interface {
	Name() string
	HistoricalSource
	QuoteSource
}
