package brokerobs

import (
	"context"
	"time"

	"marketfeed/internal/interfaces"
	"marketfeed/internal/logger"
	"marketfeed/internal/trace"
	"marketfeed/internal/types"
)

// observableBroker wraps a Broker with observability (logging & tracing)
type observableBroker struct {
	broker interfaces.Broker
}

// Compile-time interface check
var _ interfaces.Broker = (*observableBroker)(nil)

// Wrap wraps a broker with observability middleware
func Wrap(broker interfaces.Broker) interfaces.Broker {
	return &observableBroker{
		broker: broker,
	}
}

func (ob *observableBroker) Name() string {
	return ob.broker.Name()
}

// Historical fetches candles with observability
func (ob *observableBroker) Historical(ctx context.Context, key, interval string, from, to time.Time) ([]types.Candle, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Historical")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Fetching historical candles",
		"vendor", ob.broker.Name(),
		"instrument_key", key,
		"interval", interval,
		"from", from.Format(time.DateOnly),
		"to", to.Format(time.DateOnly),
	)

	candles, err := ob.broker.Historical(ctx, key, interval, from, to)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch historical candles", err,
			"vendor", ob.broker.Name(),
			"instrument_key", key,
			"interval", interval,
		)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Historical candles fetched", "instrument_key", key, "count", len(candles))
	return candles, nil
}

// Quotes fetches quotes with observability
func (ob *observableBroker) Quotes(ctx context.Context, keys []string) ([]types.Tick, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Quotes")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Fetching quotes", "vendor", ob.broker.Name(), "count", len(keys))

	ticks, err := ob.broker.Quotes(ctx, keys)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch quotes", err, "vendor", ob.broker.Name(), "count", len(keys))
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Quotes fetched", "requested", len(keys), "received", len(ticks))
	return ticks, nil
}
