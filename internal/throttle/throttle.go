package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketfeed/internal/metrics"
)

// ErrClosed resolves calls still queued when the throttler shuts down.
var ErrClosed = errors.New("throttle: closed")

// Config describes one vendor's limits.
type Config struct {
	// MinTime is the minimum spacing between two call starts.
	MinTime time.Duration
	// MaxConcurrent bounds calls executing at once (default 1).
	MaxConcurrent int
	// Reservoir calls may start per ReservoirRefresh window.
	Reservoir        int
	ReservoirRefresh time.Duration
}

// Result is the outcome of a scheduled call, delivered exactly once.
type Result struct {
	Value any
	Err   error
}

type job struct {
	ctx  context.Context
	call func(ctx context.Context) (any, error)
	done chan Result
}

// Throttler runs calls in submission order under spacing, concurrency and reservoir limits.
// It controls only when a call runs; the call's own error is passed through untouched.
type Throttler struct {
	name      string
	spacing   *rate.Limiter
	reservoir *rate.Limiter
	slots     chan struct{}
	metrics   *metrics.Collector

	mu       sync.Mutex
	queue    []*job
	inFlight int
	closed   bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New creates a throttler and starts its dispatcher. Call Close to stop it.
func New(name string, cfg Config, m *metrics.Collector) *Throttler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}

	t := &Throttler{
		name:    name,
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		metrics: m,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.MinTime > 0 {
		t.spacing = rate.NewLimiter(rate.Every(cfg.MinTime), 1)
	}
	if cfg.Reservoir > 0 && cfg.ReservoirRefresh > 0 {
		t.reservoir = rate.NewLimiter(rate.Every(cfg.ReservoirRefresh/time.Duration(cfg.Reservoir)), cfg.Reservoir)
	}

	go t.dispatch()
	return t
}

func (t *Throttler) Name() string {
	return t.name
}

// Schedule queues call and returns a channel that receives its result.
// A call whose ctx is done before it starts resolves with ctx.Err() and never runs.
func (t *Throttler) Schedule(ctx context.Context, call func(ctx context.Context) (any, error)) <-chan Result {
	j := &job{ctx: ctx, call: call, done: make(chan Result, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		j.done <- Result{Err: ErrClosed}
		return j.done
	}
	t.queue = append(t.queue, j)
	t.reportLocked()
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}

	return j.done
}

// Do schedules call and waits for its result or for ctx to end.
func Do[T any](ctx context.Context, t *Throttler, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ch := t.Schedule(ctx, func(ctx context.Context) (any, error) {
		return call(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if v, ok := res.Value.(T); ok {
				return v, res.Err
			}
			return zero, res.Err
		}
		v, _ := res.Value.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Stats reports queued and executing calls.
func (t *Throttler) Stats() (queued, inFlight int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue), t.inFlight
}

// Close stops the dispatcher. Queued calls resolve with ErrClosed; running calls finish.
func (t *Throttler) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.queue
	t.queue = nil
	t.reportLocked()
	close(t.stop)
	t.mu.Unlock()

	for _, j := range pending {
		j.done <- Result{Err: ErrClosed}
	}
	<-t.done
}

func (t *Throttler) dispatch() {
	defer close(t.done)

	for {
		j := t.next()
		if j == nil {
			return
		}

		if err := j.ctx.Err(); err != nil {
			j.done <- Result{Err: err}
			continue
		}

		if err := t.admit(j.ctx); err != nil {
			j.done <- Result{Err: err}
			continue
		}

		t.mu.Lock()
		t.inFlight++
		t.reportLocked()
		t.mu.Unlock()

		go t.run(j)
	}
}

// next blocks until a job is queued or the throttler closes.
func (t *Throttler) next() *job {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil
		}
		if len(t.queue) > 0 {
			j := t.queue[0]
			t.queue[0] = nil
			t.queue = t.queue[1:]
			t.reportLocked()
			t.mu.Unlock()
			return j
		}
		t.mu.Unlock()

		select {
		case <-t.wake:
		case <-t.stop:
			return nil
		}
	}
}

// admit waits for a concurrency slot, the spacing gap and a reservoir token, in that order.
func (t *Throttler) admit(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	select {
	case t.slots <- struct{}{}:
	case <-waitCtx.Done():
		return t.admitErr(ctx)
	}

	if t.spacing != nil {
		if err := t.spacing.Wait(waitCtx); err != nil {
			<-t.slots
			return t.admitErr(ctx)
		}
	}
	if t.reservoir != nil {
		if err := t.reservoir.Wait(waitCtx); err != nil {
			<-t.slots
			return t.admitErr(ctx)
		}
	}
	return nil
}

func (t *Throttler) admitErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.stop:
		return ErrClosed
	default:
	}
	// rate.Limiter refuses waits that would overrun the ctx deadline
	return context.DeadlineExceeded
}

func (t *Throttler) run(j *job) {
	v, err := j.call(j.ctx)

	<-t.slots
	t.mu.Lock()
	t.inFlight--
	t.reportLocked()
	t.mu.Unlock()

	j.done <- Result{Value: v, Err: err}
}

func (t *Throttler) reportLocked() {
	t.metrics.SetThrottle(t.name, len(t.queue), t.inFlight)
}

// Registry holds one throttler per vendor; every REST call to a vendor goes through it.
type Registry struct {
	throttlers map[string]*Throttler
	metrics    *metrics.Collector
	mu         sync.RWMutex
}

func NewRegistry(m *metrics.Collector) *Registry {
	return &Registry{
		throttlers: make(map[string]*Throttler),
		metrics:    m,
	}
}

// Add creates (or replaces and closes the previous) throttler for vendor.
func (r *Registry) Add(vendor string, cfg Config) *Throttler {
	t := New(vendor, cfg, r.metrics)

	r.mu.Lock()
	prev := r.throttlers[vendor]
	r.throttlers[vendor] = t
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return t
}

func (r *Registry) Get(vendor string) *Throttler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.throttlers[vendor]
}

func (r *Registry) Close() {
	r.mu.Lock()
	all := r.throttlers
	r.throttlers = make(map[string]*Throttler)
	r.mu.Unlock()

	for _, t := range all {
		t.Close()
	}
}
