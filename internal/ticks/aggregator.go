package ticks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketfeed/internal/interfaces"
	"marketfeed/internal/logger"
	"marketfeed/internal/metrics"
	"marketfeed/internal/types"
)

// Window is a fixed-length circular buffer of last-price samples.
type Window struct {
	Width   time.Duration
	Samples []float64
}

func newWindow(width time.Duration, length int) *Window {
	return &Window{Width: width, Samples: make([]float64, length)}
}

// Slot is floor(now/width) mod len.
func (w *Window) Slot(now time.Time) int {
	secs := int64(w.Width / time.Second)
	if len(w.Samples) == 0 || secs <= 0 {
		return 0
	}
	return int((now.Unix() / secs) % int64(len(w.Samples)))
}

func (w *Window) record(now time.Time, price float64) {
	if len(w.Samples) == 0 {
		return
	}
	w.Samples[w.Slot(now)] = price
}

// oldest returns the earliest non-zero sample, walking forward from the slot after now.
func (w *Window) oldest(now time.Time) (float64, bool) {
	n := len(w.Samples)
	if n == 0 {
		return 0, false
	}
	start := (w.Slot(now) + 1) % n
	for i := 0; i < n; i++ {
		if v := w.Samples[(start+i)%n]; v != 0 {
			return v, true
		}
	}
	return 0, false
}

func (w *Window) clone() *Window {
	return &Window{Width: w.Width, Samples: append([]float64(nil), w.Samples...)}
}

type Config struct {
	ShortWidth  time.Duration
	ShortLength int
	LongWidth   time.Duration
	LongLength  int
	// PersistEvery is how often Run writes the rolling store.
	PersistEvery time.Duration
}

type entry struct {
	tick  types.Tick
	short *Window
	long  *Window
}

// Snapshot is a copy of one instrument's rolling state.
type Snapshot struct {
	Tick  types.Tick
	Short Window
	Long  Window
}

// Momentum is the percent move of the last price against the oldest sample in each window.
type Momentum struct {
	Short      float64
	Long       float64
	ShortKnown bool
	LongKnown  bool
}

// Aggregator keeps the rolling tick store: one merged tick per instrument, in first-seen order,
// plus short and long circular price windows.
type Aggregator struct {
	cfg     Config
	store   interfaces.TickStore
	metrics *metrics.Collector

	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	dirty   bool
}

func NewAggregator(cfg Config, store interfaces.TickStore, m *metrics.Collector) *Aggregator {
	if cfg.ShortWidth < time.Second {
		cfg.ShortWidth = 3 * time.Minute
	}
	if cfg.ShortLength <= 0 {
		cfg.ShortLength = 20
	}
	if cfg.LongWidth < time.Second {
		cfg.LongWidth = 10 * time.Minute
	}
	if cfg.LongLength <= 0 {
		cfg.LongLength = 36
	}
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = time.Minute
	}

	return &Aggregator{
		cfg:     cfg,
		store:   store,
		metrics: m,
		entries: make(map[string]*entry),
	}
}

// Ingest merges one poll batch. Within the batch the last tick per instrument wins.
func (a *Aggregator) Ingest(batch []types.Tick, now time.Time) int {
	latest := make(map[string]int, len(batch))
	for i, t := range batch {
		if t.InstrumentKey == "" {
			continue
		}
		latest[t.InstrumentKey] = i
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	merged := 0
	for i, t := range batch {
		if idx, ok := latest[t.InstrumentKey]; !ok || idx != i {
			continue
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}

		e, ok := a.entries[t.InstrumentKey]
		if !ok {
			e = &entry{
				tick:  t,
				short: newWindow(a.cfg.ShortWidth, a.cfg.ShortLength),
				long:  newWindow(a.cfg.LongWidth, a.cfg.LongLength),
			}
			a.entries[t.InstrumentKey] = e
			a.order = append(a.order, t.InstrumentKey)
		} else {
			mergeTick(&e.tick, t)
		}

		if e.tick.LastPrice != 0 {
			e.short.record(now, e.tick.LastPrice)
			e.long.record(now, e.tick.LastPrice)
		}
		merged++
	}

	if merged > 0 {
		a.dirty = true
	}
	a.metrics.TicksIngested(merged)
	return merged
}

// mergeTick overwrites dst with the non-zero fields of src.
func mergeTick(dst *types.Tick, src types.Tick) {
	if src.Symbol != "" {
		dst.Symbol = src.Symbol
	}
	for _, f := range []struct {
		dst *float64
		v   float64
	}{
		{&dst.LastPrice, src.LastPrice},
		{&dst.PreviousClose, src.PreviousClose},
		{&dst.Open, src.Open},
		{&dst.High, src.High},
		{&dst.Low, src.Low},
		{&dst.Close, src.Close},
		{&dst.Volume, src.Volume},
		{&dst.Bid, src.Bid},
		{&dst.Ask, src.Ask},
		{&dst.BidQty, src.BidQty},
		{&dst.AskQty, src.AskQty},
	} {
		if f.v != 0 {
			*f.dst = f.v
		}
	}
	if src.Timestamp.After(dst.Timestamp) {
		dst.Timestamp = src.Timestamp
	}
}

// Ticks returns the merged ticks in first-seen order.
func (a *Aggregator) Ticks() []types.Tick {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.Tick, 0, len(a.order))
	for _, key := range a.order {
		out = append(out, a.entries[key].tick)
	}
	return out
}

func (a *Aggregator) Get(key string) (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{Tick: e.tick, Short: *e.short.clone(), Long: *e.long.clone()}, true
}

// Snapshot copies the full rolling store.
func (a *Aggregator) Snapshot() []Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Snapshot, 0, len(a.order))
	for _, key := range a.order {
		e := a.entries[key]
		out = append(out, Snapshot{Tick: e.tick, Short: *e.short.clone(), Long: *e.long.clone()})
	}
	return out
}

func (a *Aggregator) Momentum(key string, now time.Time) (Momentum, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.entries[key]
	if !ok || e.tick.LastPrice == 0 {
		return Momentum{}, false
	}

	var m Momentum
	if base, ok := e.short.oldest(now); ok {
		m.Short = (e.tick.LastPrice - base) / base * 100
		m.ShortKnown = true
	}
	if base, ok := e.long.oldest(now); ok {
		m.Long = (e.tick.LastPrice - base) / base * 100
		m.LongKnown = true
	}
	return m, true
}

func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.order)
}

// Persist writes the full store if it changed since the last write.
func (a *Aggregator) Persist(ctx context.Context) error {
	if a.store == nil {
		return nil
	}

	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return nil
	}
	a.dirty = false
	a.mu.Unlock()

	ticks := a.Ticks()
	if err := a.store.SaveTicks(ctx, ticks); err != nil {
		a.mu.Lock()
		a.dirty = true
		a.mu.Unlock()
		return fmt.Errorf("persist ticks: %w", err)
	}

	logger.Debug(ctx, "Persisted tick store", "count", len(ticks))
	return nil
}

// Restore loads a persisted store at startup. Windows start empty.
func (a *Aggregator) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}

	ticks, err := a.store.LoadTicks(ctx)
	if err != nil {
		return fmt.Errorf("restore ticks: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, t := range ticks {
		if t.InstrumentKey == "" {
			continue
		}
		if e, ok := a.entries[t.InstrumentKey]; ok {
			mergeTick(&e.tick, t)
			continue
		}
		a.entries[t.InstrumentKey] = &entry{
			tick:  t,
			short: newWindow(a.cfg.ShortWidth, a.cfg.ShortLength),
			long:  newWindow(a.cfg.LongWidth, a.cfg.LongLength),
		}
		a.order = append(a.order, t.InstrumentKey)
	}

	logger.Info(ctx, "Restored tick store", "count", len(ticks))
	return nil
}

// Run persists on a fixed interval until ctx ends, then writes once more.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PersistEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.Persist(final); err != nil {
				logger.ErrorWithErr(final, "Final tick persist failed", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := a.Persist(ctx); err != nil {
				logger.ErrorWithErr(ctx, "Tick persist failed", err)
			}
		}
	}
}
