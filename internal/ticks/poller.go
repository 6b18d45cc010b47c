package ticks

import (
	"context"
	"math"
	"time"

	"marketfeed/internal/interfaces"
	"marketfeed/internal/logger"
	"marketfeed/internal/pricecache"
	"marketfeed/internal/resolver"
	"marketfeed/internal/throttle"
	"marketfeed/internal/types"
)

// Poller pulls quotes for the resolved symbols through the vendor throttler and feeds
// each batch into the aggregator and the price cache.
type Poller struct {
	source     interfaces.QuoteSource
	throttler  *throttle.Throttler
	resolver   *resolver.Resolver
	aggregator *Aggregator
	cache      *pricecache.Cache
	symbols    []string
	interval   time.Duration
	spike      float64
	now        func() time.Time
}

type PollerParams struct {
	Source     interfaces.QuoteSource
	Throttler  *throttle.Throttler
	Resolver   *resolver.Resolver
	Aggregator *Aggregator
	// Cache is optional.
	Cache    *pricecache.Cache
	Symbols  []string
	Interval time.Duration
	// SpikePercent logs instruments whose short-window move reaches it. Zero disables.
	SpikePercent float64
}

func NewPoller(p PollerParams) *Poller {
	if p.Interval <= 0 {
		p.Interval = 15 * time.Second
	}
	return &Poller{
		source:     p.Source,
		throttler:  p.Throttler,
		resolver:   p.Resolver,
		aggregator: p.Aggregator,
		cache:      p.Cache,
		symbols:    p.Symbols,
		interval:   p.Interval,
		spike:      p.SpikePercent,
		now:        time.Now,
	}
}

// Poll runs one cycle and returns the number of instruments merged.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	mapping := p.resolver.Resolve(ctx, p.symbols)
	if len(mapping) == 0 {
		return 0, nil
	}

	seen := make(map[string]struct{}, len(mapping))
	keys := make([]string, 0, len(mapping))
	for _, key := range mapping {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	batch, err := throttle.Do(ctx, p.throttler, func(ctx context.Context) ([]types.Tick, error) {
		return p.source.Quotes(ctx, keys)
	})
	if err != nil {
		return 0, err
	}

	for i := range batch {
		if batch[i].Symbol == "" {
			if symbol, ok := p.resolver.Symbol(batch[i].InstrumentKey); ok {
				batch[i].Symbol = symbol
			}
		}
	}

	now := p.now()
	merged := p.aggregator.Ingest(batch, now)
	p.reportSpikes(ctx, batch, now)

	if p.cache != nil {
		for _, t := range batch {
			if t.Symbol == "" {
				continue
			}
			p.cache.Upsert(t.Symbol, t.Partial())
		}
	}
	return merged, nil
}

func (p *Poller) reportSpikes(ctx context.Context, batch []types.Tick, now time.Time) {
	if p.spike <= 0 {
		return
	}
	for _, t := range batch {
		m, ok := p.aggregator.Momentum(t.InstrumentKey, now)
		if !ok || !m.ShortKnown || math.Abs(m.Short) < p.spike {
			continue
		}
		logger.Info(ctx, "Price spike", "symbol", t.Symbol, "key", t.InstrumentKey,
			"short_pct", m.Short, "long_pct", m.Long, "ltp", t.LastPrice)
	}
}

// Run polls on a fixed interval until ctx ends. Failed cycles are logged and retried next tick.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if n, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn(ctx, "Quote poll failed", "error", err)
		} else {
			logger.Debug(ctx, "Quote poll complete", "merged", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
