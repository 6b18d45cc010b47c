package candles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketfeed/internal/interfaces"
	"marketfeed/internal/logger"
	"marketfeed/internal/metrics"
	"marketfeed/internal/throttle"
	"marketfeed/internal/types"
)

// DrainResult summarises one pass over the pending queue.
type DrainResult struct {
	Completed int
	Failed    int
	Dropped   int
	Remaining int
}

// Fetcher pulls historical candles through the vendor throttler into the merge engine.
// Failed fetches are recorded in the pending queue and retried by Drain.
type Fetcher struct {
	source    interfaces.HistoricalSource
	throttler *throttle.Throttler
	engine    *Engine
	queue     interfaces.PendingQueue
	metrics   *metrics.Collector
	now       func() time.Time
}

func NewFetcher(source interfaces.HistoricalSource, throttler *throttle.Throttler, engine *Engine, queue interfaces.PendingQueue, m *metrics.Collector) *Fetcher {
	return &Fetcher{
		source:    source,
		throttler: throttler,
		engine:    engine,
		queue:     queue,
		metrics:   m,
		now:       time.Now,
	}
}

// Fetch makes a single throttled attempt. On failure the request is queued durably and the
// fetch error is returned; the caller is never retried synchronously.
func (f *Fetcher) Fetch(ctx context.Context, key, interval string, from, to time.Time) (types.MergeResult, error) {
	res, err := f.fetchAndMerge(ctx, key, interval, from, to)
	if err == nil {
		return res, nil
	}

	req := types.CacheRequest{
		InstrumentKey: key,
		Interval:      interval,
		From:          from.In(f.engine.Location()).Format(dayLayout),
		To:            to.In(f.engine.Location()).Format(dayLayout),
		Attempts:      1,
		LastError:     err.Error(),
		CreatedAt:     f.now(),
	}
	if qerr := f.queue.Enqueue(ctx, req); qerr != nil {
		logger.ErrorWithErr(ctx, "Failed to queue historical request", qerr, "request", req.ID())
		return res, errors.Join(err, fmt.Errorf("enqueue: %w", qerr))
	}

	logger.Warn(ctx, "Historical fetch failed, queued for retry",
		"instrument_key", key,
		"interval", interval,
		"error", err,
	)
	f.reportPending(ctx)
	return res, err
}

func (f *Fetcher) fetchAndMerge(ctx context.Context, key, interval string, from, to time.Time) (types.MergeResult, error) {
	candles, err := throttle.Do(ctx, f.throttler, func(ctx context.Context) ([]types.Candle, error) {
		return f.source.Historical(ctx, key, interval, from, to)
	})
	if err != nil {
		return types.MergeResult{}, fmt.Errorf("fetch %s %s: %w", key, interval, err)
	}
	return f.engine.Merge(ctx, key, interval, candles)
}

// Drain walks the pending queue in order. Successful requests are merged and removed;
// failed ones stay with their attempt count and last error updated.
func (f *Fetcher) Drain(ctx context.Context) (DrainResult, error) {
	var out DrainResult

	pending, err := f.queue.List(ctx)
	if err != nil {
		return out, fmt.Errorf("list pending requests: %w", err)
	}
	f.metrics.SetPendingRequests(len(pending))

	for _, req := range pending {
		if ctx.Err() != nil {
			break
		}

		from, ferr := time.ParseInLocation(dayLayout, req.From, f.engine.Location())
		to, terr := time.ParseInLocation(dayLayout, req.To, f.engine.Location())
		if ferr != nil || terr != nil || req.InstrumentKey == "" || from.After(to) {
			logger.Warn(ctx, "Dropping malformed pending request", "request", req.ID())
			if err := f.queue.Remove(ctx, req); err != nil {
				return out, fmt.Errorf("remove %s: %w", req.ID(), err)
			}
			out.Dropped++
			continue
		}
		// the range is inclusive of the whole last day
		to = to.Add(24*time.Hour - time.Second)

		res, err := f.fetchAndMerge(ctx, req.InstrumentKey, req.Interval, from, to)
		if err != nil {
			req.Attempts++
			req.LastError = err.Error()
			if qerr := f.queue.Enqueue(ctx, req); qerr != nil {
				return out, fmt.Errorf("update %s: %w", req.ID(), qerr)
			}
			logger.Warn(ctx, "Pending request still failing",
				"request", req.ID(),
				"attempts", req.Attempts,
				"error", err,
			)
			out.Failed++
			continue
		}

		if err := f.queue.Remove(ctx, req); err != nil {
			return out, fmt.Errorf("remove %s: %w", req.ID(), err)
		}
		logger.Info(ctx, "Pending request completed",
			"request", req.ID(),
			"inserted", res.Inserted,
			"already_exists", res.AlreadyExists,
		)
		out.Completed++
	}

	out.Remaining = f.reportPending(ctx)
	return out, nil
}

func (f *Fetcher) reportPending(ctx context.Context) int {
	pending, err := f.queue.List(ctx)
	if err != nil {
		return 0
	}
	f.metrics.SetPendingRequests(len(pending))
	return len(pending)
}

// Run drains the queue on a fixed interval until ctx ends.
func (f *Fetcher) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 2 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := f.Drain(ctx)
			if err != nil {
				logger.ErrorWithErr(ctx, "Pending queue drain failed", err)
				continue
			}
			if res.Completed+res.Failed+res.Dropped > 0 {
				logger.Info(ctx, "Pending queue drained",
					"completed", res.Completed,
					"failed", res.Failed,
					"dropped", res.Dropped,
					"remaining", res.Remaining,
				)
			}
		}
	}
}
