package candles

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketfeed/internal/interfaces"
	"marketfeed/internal/logger"
	"marketfeed/internal/metrics"
	"marketfeed/internal/types"
)

const dayLayout = "2006-01-02"

// Layouts accepted for candle dates; zone-less values are read in the vendor-local zone.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	dayLayout,
}

// ParseDate reads a candle date string in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.In(loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised candle date %q", s)
}

// Engine merges fetched candles into day buckets. Identity within a bucket is the exact
// Date string, so re-merging a range is idempotent.
type Engine struct {
	store   interfaces.CandleStore
	loc     *time.Location
	metrics *metrics.Collector

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(store interfaces.CandleStore, loc *time.Location, m *metrics.Collector) *Engine {
	if loc == nil {
		loc = time.FixedZone("IST", 19800)
	}
	return &Engine{
		store:   store,
		loc:     loc,
		metrics: m,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lock(key, interval string) func() {
	id := key + "|" + interval

	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Merge appends candles whose Date is not yet in their day bucket and persists only the
// buckets that changed.
func (e *Engine) Merge(ctx context.Context, key, interval string, candles []types.Candle) (types.MergeResult, error) {
	var res types.MergeResult
	if len(candles) == 0 {
		return res, nil
	}

	unlock := e.lock(key, interval)
	defer unlock()

	days, groups := e.groupByDay(ctx, key, candles)
	if len(days) == 0 {
		return res, nil
	}

	buckets, err := e.store.LoadBuckets(ctx, key, interval)
	if err != nil {
		return res, fmt.Errorf("load buckets %s %s: %w", key, interval, err)
	}
	index := make(map[string]int, len(buckets))
	for i, b := range buckets {
		index[b.Date] = i
	}

	var changed []types.CandleBucket
	for _, day := range days {
		incoming := groups[day]

		i, exists := index[day]
		if !exists {
			fresh := types.CandleBucket{Date: day}
			seen := make(map[string]struct{}, len(incoming))
			for _, c := range incoming {
				if _, dup := seen[c.Date]; dup {
					res.AlreadyExists++
					continue
				}
				seen[c.Date] = struct{}{}
				fresh.Candles = append(fresh.Candles, c)
				res.Inserted++
			}
			changed = append(changed, fresh)
			continue
		}

		bucket := buckets[i]
		present := make(map[string]struct{}, len(bucket.Candles))
		for _, c := range bucket.Candles {
			present[c.Date] = struct{}{}
		}

		dirty := false
		for _, c := range incoming {
			if _, ok := present[c.Date]; ok {
				res.AlreadyExists++
				continue
			}
			present[c.Date] = struct{}{}
			bucket.Candles = append(bucket.Candles, c)
			res.Inserted++
			dirty = true
		}
		if dirty {
			changed = append(changed, bucket)
		}
	}

	if len(changed) > 0 {
		if err := e.store.SaveBuckets(ctx, key, interval, changed); err != nil {
			return types.MergeResult{}, fmt.Errorf("save buckets %s %s: %w", key, interval, err)
		}
	}

	e.metrics.CandlesMerged(res.Inserted, res.AlreadyExists)
	logger.Merge(ctx, key, interval, res.Inserted, res.AlreadyExists, "buckets_written", len(changed))
	return res, nil
}

// groupByDay buckets candles by vendor-local calendar day, keeping first-seen day order.
func (e *Engine) groupByDay(ctx context.Context, key string, candles []types.Candle) ([]string, map[string][]types.Candle) {
	var days []string
	groups := make(map[string][]types.Candle)

	for _, c := range candles {
		t, err := ParseDate(c.Date, e.loc)
		if err != nil {
			logger.Warn(ctx, "Skipping candle with unreadable date", "instrument_key", key, "date", c.Date)
			continue
		}
		day := t.Format(dayLayout)
		if _, ok := groups[day]; !ok {
			days = append(days, day)
		}
		groups[day] = append(groups[day], c)
	}
	return days, groups
}

// Buckets returns the persisted buckets in insertion order.
func (e *Engine) Buckets(ctx context.Context, key, interval string) ([]types.CandleBucket, error) {
	buckets, err := e.store.LoadBuckets(ctx, key, interval)
	if err != nil {
		return nil, fmt.Errorf("load buckets %s %s: %w", key, interval, err)
	}
	return buckets, nil
}

// Range returns the candles between from and to inclusive, sorted by time.
func (e *Engine) Range(ctx context.Context, key, interval string, from, to time.Time) ([]types.Candle, error) {
	buckets, err := e.Buckets(ctx, key, interval)
	if err != nil {
		return nil, err
	}

	type timed struct {
		at time.Time
		c  types.Candle
	}
	var out []timed
	for _, b := range buckets {
		for _, c := range b.Candles {
			at, err := ParseDate(c.Date, e.loc)
			if err != nil {
				continue
			}
			if at.Before(from) || at.After(to) {
				continue
			}
			out = append(out, timed{at: at, c: c})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })

	candles := make([]types.Candle, len(out))
	for i, t := range out {
		candles[i] = t.c
	}
	return candles, nil
}

func (e *Engine) Location() *time.Location {
	return e.loc
}
