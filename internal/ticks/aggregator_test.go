package ticks

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"marketfeed/internal/pricecache"
	"marketfeed/internal/resolver"
	"marketfeed/internal/throttle"
	"marketfeed/internal/types"
)

type memStore struct {
	mu    sync.Mutex
	saved [][]types.Tick
	load  []types.Tick
	err   error
}

func (s *memStore) SaveTicks(ctx context.Context, ticks []types.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, ticks)
	return nil
}

func (s *memStore) LoadTicks(ctx context.Context) ([]types.Tick, error) {
	return s.load, s.err
}

func (s *memStore) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func testConfig() Config {
	return Config{ShortWidth: 3 * time.Minute, ShortLength: 20, LongWidth: 10 * time.Minute, LongLength: 36}
}

func TestIngestDedupLastWins(t *testing.T) {
	a := NewAggregator(testConfig(), nil, nil)
	now := time.Unix(1704180000, 0)

	n := a.Ingest([]types.Tick{
		{InstrumentKey: "NSE_EQ|A", LastPrice: 100, Volume: 10},
		{InstrumentKey: "NSE_EQ|B", LastPrice: 50},
		{InstrumentKey: "NSE_EQ|A", LastPrice: 101, Volume: 12},
	}, now)

	if n != 2 {
		t.Errorf("Expected 2 merged instruments, got %d", n)
	}
	if a.Len() != 2 {
		t.Fatalf("Expected 2 stored records, got %d", a.Len())
	}

	snap, ok := a.Get("NSE_EQ|A")
	if !ok {
		t.Fatal("Expected record for A")
	}
	if snap.Tick.LastPrice != 101 || snap.Tick.Volume != 12 {
		t.Errorf("Expected second tick's values, got %+v", snap.Tick)
	}
}

func TestIngestMergesInPlaceAndAppends(t *testing.T) {
	a := NewAggregator(testConfig(), nil, nil)
	now := time.Unix(1704180000, 0)

	a.Ingest([]types.Tick{{InstrumentKey: "A", LastPrice: 100, Bid: 99, Open: 98, BidQty: 40}}, now)
	a.Ingest([]types.Tick{
		{InstrumentKey: "A", LastPrice: 102, AskQty: 25},
		{InstrumentKey: "C", LastPrice: 7},
	}, now.Add(time.Minute))

	ticks := a.Ticks()
	if len(ticks) != 2 || ticks[0].InstrumentKey != "A" || ticks[1].InstrumentKey != "C" {
		t.Fatalf("Expected [A C] in first-seen order, got %+v", ticks)
	}
	if ticks[0].LastPrice != 102 || ticks[0].Bid != 99 || ticks[0].Open != 98 {
		t.Errorf("Expected in-place merge keeping absent fields, got %+v", ticks[0])
	}
	if ticks[0].BidQty != 40 || ticks[0].AskQty != 25 {
		t.Errorf("Expected merged depth quantities, got %+v", ticks[0])
	}

	p := ticks[0].Partial()
	if p.BidQty == nil || *p.BidQty != 40 || p.AskQty == nil || *p.AskQty != 25 {
		t.Errorf("Expected quantities in partial update, got %+v", p)
	}
	if !ticks[0].Timestamp.Equal(now.Add(time.Minute)) {
		t.Errorf("Expected timestamp to advance, got %v", ticks[0].Timestamp)
	}
}

func TestCircularWindowIndexing(t *testing.T) {
	a := NewAggregator(testConfig(), nil, nil)
	now := time.Unix(1704180000, 0)

	a.Ingest([]types.Tick{{InstrumentKey: "A", LastPrice: 100}}, now)

	snap, _ := a.Get("A")
	slot := int((now.Unix() / 180) % 20)
	if snap.Short.Samples[slot] != 100 {
		t.Errorf("Expected short sample at slot %d, got %v", slot, snap.Short.Samples)
	}
	longSlot := int((now.Unix() / 600) % 36)
	if snap.Long.Samples[longSlot] != 100 {
		t.Errorf("Expected long sample at slot %d", longSlot)
	}

	// a full cycle later lands on the same slot and overwrites it
	later := now.Add(20 * 3 * time.Minute)
	a.Ingest([]types.Tick{{InstrumentKey: "A", LastPrice: 105}}, later)

	snap, _ = a.Get("A")
	if snap.Short.Samples[slot] != 105 {
		t.Errorf("Expected wrap-around overwrite, got %.2f", snap.Short.Samples[slot])
	}
	if len(snap.Short.Samples) != 20 || len(snap.Long.Samples) != 36 {
		t.Error("Expected fixed-length buffers")
	}
}

func TestMomentum(t *testing.T) {
	a := NewAggregator(testConfig(), nil, nil)
	now := time.Unix(1704180000, 0)

	a.Ingest([]types.Tick{{InstrumentKey: "A", LastPrice: 100}}, now)
	a.Ingest([]types.Tick{{InstrumentKey: "A", LastPrice: 110}}, now.Add(3*time.Minute))

	m, ok := a.Momentum("A", now.Add(3*time.Minute))
	if !ok || !m.ShortKnown {
		t.Fatalf("Expected momentum, got %+v (%v)", m, ok)
	}
	if math.Abs(m.Short-10) > 1e-9 {
		t.Errorf("Expected 10%% short move, got %.4f", m.Short)
	}

	if _, ok := a.Momentum("missing", now); ok {
		t.Error("Expected no momentum for unknown key")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	a := NewAggregator(testConfig(), nil, nil)
	a.Ingest([]types.Tick{{InstrumentKey: "A", LastPrice: 100}}, time.Unix(0, 0))

	snaps := a.Snapshot()
	snaps[0].Short.Samples[0] = -1
	snaps[0].Tick.LastPrice = -1

	again, _ := a.Get("A")
	if again.Tick.LastPrice != 100 || again.Short.Samples[0] == -1 {
		t.Error("Expected snapshot mutation not to leak into the store")
	}
}

func TestPersistOnlyWhenDirty(t *testing.T) {
	store := &memStore{}
	a := NewAggregator(testConfig(), store, nil)
	ctx := context.Background()

	if err := a.Persist(ctx); err != nil || store.saves() != 0 {
		t.Fatalf("Expected no write for empty store, got %d (%v)", store.saves(), err)
	}

	a.Ingest([]types.Tick{{InstrumentKey: "A", LastPrice: 1}}, time.Now())
	if err := a.Persist(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Persist(ctx); err != nil {
		t.Fatal(err)
	}
	if store.saves() != 1 {
		t.Errorf("Expected one write, got %d", store.saves())
	}

	store.err = errors.New("disk full")
	a.Ingest([]types.Tick{{InstrumentKey: "A", LastPrice: 2}}, time.Now())
	if err := a.Persist(ctx); err == nil {
		t.Error("Expected persist error")
	}
	store.err = nil
	if err := a.Persist(ctx); err != nil || store.saves() != 2 {
		t.Errorf("Expected retry after failure, got %d saves (%v)", store.saves(), err)
	}
}

func TestRunPersistsOnInterval(t *testing.T) {
	store := &memStore{}
	cfg := testConfig()
	cfg.PersistEvery = 10 * time.Millisecond
	a := NewAggregator(cfg, store, nil)
	a.Ingest([]types.Tick{{InstrumentKey: "A", LastPrice: 1}}, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.saves() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if store.saves() == 0 {
		t.Error("Expected at least one periodic write")
	}
}

func TestRestore(t *testing.T) {
	store := &memStore{load: []types.Tick{
		{InstrumentKey: "A", LastPrice: 10},
		{InstrumentKey: "B", LastPrice: 20},
	}}
	a := NewAggregator(testConfig(), store, nil)

	if err := a.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.Len() != 2 {
		t.Errorf("Expected 2 restored records, got %d", a.Len())
	}
}

type fakeQuotes struct {
	calls int
}

func (f *fakeQuotes) Quotes(ctx context.Context, keys []string) ([]types.Tick, error) {
	f.calls++
	out := make([]types.Tick, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, types.Tick{InstrumentKey: k, LastPrice: 10, PreviousClose: 8})
	}
	// vendors occasionally repeat an instrument within one response
	if len(keys) > 0 {
		out = append(out, types.Tick{InstrumentKey: keys[0], LastPrice: 11})
	}
	return out, nil
}

func TestPollerFeedsAggregatorAndCache(t *testing.T) {
	th := throttle.New("TEST", throttle.Config{}, nil)
	defer th.Close()

	source := &fakeQuotes{}
	cache := pricecache.New()
	agg := NewAggregator(testConfig(), nil, nil)

	p := NewPoller(PollerParams{
		Source:     source,
		Throttler:  th,
		Resolver:   resolver.New(nil, "NSE_EQ|"),
		Aggregator: agg,
		Cache:      cache,
		Symbols:    []string{"SBIN"},
	})

	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 1 || source.calls != 1 {
		t.Errorf("Expected one merged instrument from one call, got %d/%d", n, source.calls)
	}

	snap, ok := agg.Get("NSE_EQ|SBIN")
	if !ok || snap.Tick.LastPrice != 11 || snap.Tick.Symbol != "SBIN" {
		t.Errorf("Expected last duplicate to win with symbol set, got %+v", snap.Tick)
	}

	u, ok := cache.Get("SBIN")
	if !ok || u.LastPrice != 11 || !u.ChangeKnown {
		t.Errorf("Expected cache mirror with derived change, got %+v", u)
	}
}
