package candles

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"marketfeed/internal/interfaces"
	"marketfeed/internal/throttle"
	"marketfeed/internal/types"
)

var ist = time.FixedZone("IST", 19800)

type memCandles struct {
	mu      sync.Mutex
	buckets map[string][]types.CandleBucket
	saves   [][]types.CandleBucket
	saveErr error
}

func newMemCandles() *memCandles {
	return &memCandles{buckets: make(map[string][]types.CandleBucket)}
}

func (m *memCandles) LoadBuckets(ctx context.Context, key, interval string) ([]types.CandleBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.CandleBucket
	for _, b := range m.buckets[key+"|"+interval] {
		out = append(out, types.CandleBucket{Date: b.Date, Candles: append([]types.Candle(nil), b.Candles...)})
	}
	return out, nil
}

func (m *memCandles) SaveBuckets(ctx context.Context, key, interval string, buckets []types.CandleBucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves = append(m.saves, buckets)

	id := key + "|" + interval
	existing := m.buckets[id]
	for _, b := range buckets {
		replaced := false
		for i := range existing {
			if existing[i].Date == b.Date {
				existing[i] = b
				replaced = true
			}
		}
		if !replaced {
			existing = append(existing, b)
		}
	}
	m.buckets[id] = existing
	return nil
}

type memQueue struct {
	mu    sync.Mutex
	order []string
	reqs  map[string]types.CacheRequest
}

func newMemQueue() *memQueue {
	return &memQueue{reqs: make(map[string]types.CacheRequest)}
}

func (q *memQueue) Enqueue(ctx context.Context, req types.CacheRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.reqs[req.ID()]; !ok {
		q.order = append(q.order, req.ID())
	}
	q.reqs[req.ID()] = req
	return nil
}

func (q *memQueue) List(ctx context.Context) ([]types.CacheRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.CacheRequest, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.reqs[id])
	}
	return out, nil
}

func (q *memQueue) Remove(ctx context.Context, req types.CacheRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.reqs, req.ID())
	for i, id := range q.order {
		if id == req.ID() {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

func candle(date string, close float64) types.Candle {
	return types.Candle{Date: date, Open: close, High: close, Low: close, Close: close, Volume: 100}
}

func TestMergeScenario(t *testing.T) {
	store := newMemCandles()
	e := NewEngine(store, ist, nil)
	ctx := context.Background()

	first := []types.Candle{candle("2024-01-02T09:15", 100), candle("2024-01-02T09:16", 101)}
	res, err := e.Merge(ctx, "NSE_EQ|A", "1minute", first)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if res.Inserted != 2 || res.AlreadyExists != 0 {
		t.Errorf("Expected 2/0, got %d/%d", res.Inserted, res.AlreadyExists)
	}

	second := append(first, candle("2024-01-02T09:17", 102))
	res, err = e.Merge(ctx, "NSE_EQ|A", "1minute", second)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if res.Inserted != 1 || res.AlreadyExists != 2 {
		t.Errorf("Expected 1/2, got %d/%d", res.Inserted, res.AlreadyExists)
	}

	buckets, _ := e.Buckets(ctx, "NSE_EQ|A", "1minute")
	if len(buckets) != 1 || buckets[0].Date != "2024-01-02" || len(buckets[0].Candles) != 3 {
		t.Errorf("Expected one bucket with 3 candles, got %+v", buckets)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	store := newMemCandles()
	e := NewEngine(store, ist, nil)
	ctx := context.Background()

	batch := []types.Candle{
		candle("2024-01-02T15:29:00+05:30", 1),
		candle("2024-01-03T09:15:00+05:30", 2),
		candle("2024-01-03T09:16:00+05:30", 3),
	}

	if _, err := e.Merge(ctx, "K", "1minute", batch); err != nil {
		t.Fatal(err)
	}
	before, _ := e.Buckets(ctx, "K", "1minute")
	saves := len(store.saves)

	res, err := e.Merge(ctx, "K", "1minute", batch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 0 || res.AlreadyExists != 3 {
		t.Errorf("Expected 0/3 on re-merge, got %d/%d", res.Inserted, res.AlreadyExists)
	}

	after, _ := e.Buckets(ctx, "K", "1minute")
	if !reflect.DeepEqual(before, after) {
		t.Errorf("Expected identical buckets after re-merge")
	}
	if len(store.saves) != saves {
		t.Errorf("Expected no write for an unchanged merge")
	}
}

func TestMergeGroupsByVendorLocalDay(t *testing.T) {
	store := newMemCandles()
	e := NewEngine(store, ist, nil)
	ctx := context.Background()

	// 20:00 UTC on the 2nd is 01:30 IST on the 3rd
	res, err := e.Merge(ctx, "K", "30minute", []types.Candle{
		candle("2024-01-02T20:00:00Z", 1),
		candle("2024-01-02T09:15:00+05:30", 2),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 2 {
		t.Errorf("Expected 2 inserted, got %d", res.Inserted)
	}

	buckets, _ := e.Buckets(ctx, "K", "30minute")
	var days []string
	for _, b := range buckets {
		days = append(days, b.Date)
	}
	sort.Strings(days)
	if !reflect.DeepEqual(days, []string{"2024-01-02", "2024-01-03"}) {
		t.Errorf("Expected IST day buckets, got %v", days)
	}
}

func TestMergePersistsOnlyChangedBuckets(t *testing.T) {
	store := newMemCandles()
	e := NewEngine(store, ist, nil)
	ctx := context.Background()

	e.Merge(ctx, "K", "day", []types.Candle{candle("2024-01-02", 1), candle("2024-01-03", 2)})
	store.saves = nil

	e.Merge(ctx, "K", "day", []types.Candle{candle("2024-01-02", 1), candle("2024-01-04", 3)})

	if len(store.saves) != 1 || len(store.saves[0]) != 1 || store.saves[0][0].Date != "2024-01-04" {
		t.Errorf("Expected only the new bucket written, got %+v", store.saves)
	}
}

func TestMergeDeduplicatesIncoming(t *testing.T) {
	e := NewEngine(newMemCandles(), ist, nil)

	res, err := e.Merge(context.Background(), "K", "1minute", []types.Candle{
		candle("2024-01-02T09:15", 1),
		candle("2024-01-02T09:15", 1),
		candle("not a date", 1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 || res.AlreadyExists != 1 {
		t.Errorf("Expected 1/1, got %d/%d", res.Inserted, res.AlreadyExists)
	}
}

func TestMergeSaveFailure(t *testing.T) {
	store := newMemCandles()
	store.saveErr = errors.New("disk full")
	e := NewEngine(store, ist, nil)

	if _, err := e.Merge(context.Background(), "K", "1minute", []types.Candle{candle("2024-01-02T09:15", 1)}); err == nil {
		t.Error("Expected save failure to surface")
	}
}

func TestRange(t *testing.T) {
	e := NewEngine(newMemCandles(), ist, nil)
	ctx := context.Background()

	e.Merge(ctx, "K", "1minute", []types.Candle{
		candle("2024-01-03T09:16", 4),
		candle("2024-01-02T09:15", 1),
		candle("2024-01-02T09:17", 3),
		candle("2024-01-02T09:16", 2),
	})

	from := time.Date(2024, 1, 2, 9, 16, 0, 0, ist)
	to := time.Date(2024, 1, 3, 9, 16, 0, 0, ist)
	got, err := e.Range(ctx, "K", "1minute", from, to)
	if err != nil {
		t.Fatal(err)
	}

	var closes []float64
	for _, c := range got {
		closes = append(closes, c.Close)
	}
	if !reflect.DeepEqual(closes, []float64{2, 3, 4}) {
		t.Errorf("Expected closes [2 3 4], got %v", closes)
	}
}

type flakySource struct {
	mu    sync.Mutex
	fail  error
	calls int
}

func (s *flakySource) Historical(ctx context.Context, key, interval string, from, to time.Time) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return nil, s.fail
	}
	day := from.In(ist).Format("2006-01-02")
	return []types.Candle{candle(day+"T09:15", 1), candle(day+"T09:16", 2)}, nil
}

func TestFetchFailureQueuesThenDrainCompletes(t *testing.T) {
	th := throttle.New("TEST", throttle.Config{}, nil)
	defer th.Close()

	source := &flakySource{fail: interfaces.ErrRateLimited}
	queue := newMemQueue()
	f := NewFetcher(source, th, NewEngine(newMemCandles(), ist, nil), queue, nil)
	ctx := context.Background()

	day := time.Date(2024, 1, 2, 0, 0, 0, 0, ist)
	_, err := f.Fetch(ctx, "K", "1minute", day, day)
	if !errors.Is(err, interfaces.ErrRateLimited) {
		t.Fatalf("Expected rate-limit error, got %v", err)
	}

	pending, _ := queue.List(ctx)
	if len(pending) != 1 {
		t.Fatalf("Expected one queued request, got %d", len(pending))
	}
	if pending[0].From != "2024-01-02" || pending[0].Attempts != 1 {
		t.Errorf("Unexpected queued request %+v", pending[0])
	}

	// still failing: the record stays and its attempt count grows
	res, err := f.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Remaining != 1 {
		t.Errorf("Expected 1 failed / 1 remaining, got %+v", res)
	}
	pending, _ = queue.List(ctx)
	if pending[0].Attempts != 2 || pending[0].LastError == "" {
		t.Errorf("Expected attempts=2 with last error, got %+v", pending[0])
	}

	source.mu.Lock()
	source.fail = nil
	source.mu.Unlock()

	res, err = f.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Completed != 1 || res.Remaining != 0 {
		t.Errorf("Expected drain to complete the request, got %+v", res)
	}

	buckets, _ := f.engine.Buckets(ctx, "K", "1minute")
	if len(buckets) != 1 || len(buckets[0].Candles) != 2 {
		t.Errorf("Expected drained candles merged, got %+v", buckets)
	}
}

func TestDrainDropsMalformedRequests(t *testing.T) {
	th := throttle.New("TEST", throttle.Config{}, nil)
	defer th.Close()

	queue := newMemQueue()
	ctx := context.Background()
	queue.Enqueue(ctx, types.CacheRequest{InstrumentKey: "K", Interval: "day", From: "yesterday", To: "today"})
	queue.Enqueue(ctx, types.CacheRequest{InstrumentKey: "", Interval: "day", From: "2024-01-02", To: "2024-01-03"})
	queue.Enqueue(ctx, types.CacheRequest{InstrumentKey: "K", Interval: "day", From: "2024-01-09", To: "2024-01-02"})

	source := &flakySource{fail: errors.New("rejected")}
	f := NewFetcher(source, th, NewEngine(newMemCandles(), ist, nil), queue, nil)
	res, err := f.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dropped != 3 || res.Failed != 0 || res.Remaining != 0 {
		t.Errorf("Expected all malformed requests dropped, got %+v", res)
	}
	if source.calls != 0 {
		t.Errorf("Expected no vendor calls for malformed requests, got %d", source.calls)
	}
}
