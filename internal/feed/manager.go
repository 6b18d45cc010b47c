package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketfeed/internal/decoder"
	"marketfeed/internal/interfaces"
	"marketfeed/internal/logger"
	"marketfeed/internal/metrics"
	"marketfeed/internal/pricecache"
	"marketfeed/internal/resolver"
	"marketfeed/internal/throttle"
	"marketfeed/internal/types"
)

// Feed modes accepted by the vendor.
const (
	ModeLTPC         = "ltpc"
	ModeFull         = "full"
	ModeOptionGreeks = "option_greeks"
)

var ErrNoAuthorizer = errors.New("feed: no authorizer configured")

// UpdateFunc receives every merged update. Calls for one manager never overlap: live frames
// and closed-market seeding are delivered one at a time. It must not block.
type UpdateFunc func(update types.PriceUpdate)

type Options struct {
	// Mode overrides the configured feed mode when non-empty.
	Mode string
}

type Params struct {
	Account      string
	Mode         string
	PingInterval time.Duration
	Backoff      Backoff
	// Segment is the market segment whose status drives the session flag, e.g. NSE_EQ.
	Segment        string
	SeedWhenClosed bool

	Resolver   *resolver.Resolver
	Authorizer interfaces.FeedAuthorizer
	Dialer     Dialer
	Decoder    *decoder.Decoder
	Cache      *pricecache.Cache
	// Seeder and Throttler are used to fill the cache over REST while the market is closed.
	Seeder    interfaces.QuoteSource
	Throttler *throttle.Throttler
	Metrics   *metrics.Collector
}

type timer interface {
	Stop() bool
}

// Manager owns the lifecycle of one streaming connection. Every (re)connect starts a new
// generation with its own context; loops and callbacks of older generations are ignored.
type Manager struct {
	p         Params
	session   Session
	afterFunc func(d time.Duration, f func()) timer

	// deliver serializes cache writes and callbacks between the read loop and seeding.
	deliver sync.Mutex

	mu          sync.Mutex
	state       types.ConnectionState
	intentional bool
	symbols     map[string]struct{}
	active      map[string]string
	mode        string
	onUpdate    UpdateFunc
	conn        Conn
	gen         uint64
	cancel      context.CancelFunc
	reconnect   timer
	attempts    int
}

func New(p Params) *Manager {
	if p.Mode == "" {
		p.Mode = ModeFull
	}
	if p.Dialer == nil {
		p.Dialer = WebsocketDialer{}
	}
	if p.Decoder == nil {
		p.Decoder = decoder.New(p.Metrics)
	}
	if p.Cache == nil {
		p.Cache = pricecache.New()
	}
	if p.Resolver == nil {
		p.Resolver = resolver.New(nil, "NSE_EQ|")
	}

	return &Manager{
		p:       p,
		mode:    p.Mode,
		symbols: make(map[string]struct{}),
		active:  make(map[string]string),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Connect subscribes symbols, opening the connection if needed. While Open it only sends an
// incremental subscribe; while a connect is already in progress it only records the symbols.
// An error from the first attempt is returned, and a reconnect is scheduled regardless.
func (m *Manager) Connect(ctx context.Context, symbols []string, onUpdate UpdateFunc, opts Options) error {
	if m.p.Authorizer == nil {
		return ErrNoAuthorizer
	}

	m.mu.Lock()
	m.intentional = false
	if onUpdate != nil {
		m.onUpdate = onUpdate
	}
	if opts.Mode != "" {
		m.mode = opts.Mode
	}

	var added []string
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := m.symbols[s]; !ok {
			m.symbols[s] = struct{}{}
			added = append(added, s)
		}
	}

	switch m.state {
	case types.Open:
		conn, gen := m.conn, m.gen
		m.mu.Unlock()
		return m.subscribe(ctx, gen, conn, added)
	case types.Connecting, types.Reconnecting:
		m.mu.Unlock()
		return nil
	}

	m.attempts = 0
	m.setStateLocked(ctx, types.Connecting)
	gen, genCtx := m.nextGenerationLocked()
	m.mu.Unlock()

	return m.establish(genCtx, gen)
}

// AddSymbol adds one symbol to the subscription set.
func (m *Manager) AddSymbol(ctx context.Context, symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil
	}

	m.mu.Lock()
	if _, ok := m.symbols[symbol]; ok {
		m.mu.Unlock()
		return nil
	}
	m.symbols[symbol] = struct{}{}
	state, conn, gen := m.state, m.conn, m.gen
	m.mu.Unlock()

	if state != types.Open {
		return nil
	}
	return m.subscribe(ctx, gen, conn, []string{symbol})
}

// RemoveSymbol drops one symbol, unsubscribing it when the connection is Open.
func (m *Manager) RemoveSymbol(ctx context.Context, symbol string) error {
	m.mu.Lock()
	delete(m.symbols, symbol)
	key, wasActive := m.active[symbol]
	delete(m.active, symbol)
	state, conn := m.state, m.conn
	m.mu.Unlock()

	m.p.Cache.Remove(symbol)
	m.p.Resolver.Forget(symbol)

	if state != types.Open || !wasActive || conn == nil {
		return nil
	}
	if err := m.send(conn, "unsub", []string{key}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", symbol, err)
	}
	return nil
}

// Disconnect closes the connection on purpose. It is safe from any state: it cancels the
// pending reconnect and the ping loop, unsubscribes best-effort and clears session state.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.intentional = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++

	conn := m.conn
	keys := sortedValues(m.active)
	m.conn = nil
	if conn != nil {
		m.setStateLocked(ctx, types.Closing)
	}
	m.mu.Unlock()

	if conn != nil {
		if len(keys) > 0 {
			if err := m.send(conn, "unsub", keys); err != nil {
				logger.Warn(ctx, "Best-effort unsubscribe failed", "account", m.p.Account, "error", err)
			}
		}
		if err := conn.Close(); err != nil {
			logger.Debug(ctx, "Feed close returned error", "account", m.p.Account, "error", err)
		}
	}

	m.mu.Lock()
	symbols := m.symbols
	m.symbols = make(map[string]struct{})
	m.active = make(map[string]string)
	m.onUpdate = nil
	m.attempts = 0
	m.setStateLocked(ctx, types.Disconnected)
	m.mu.Unlock()

	for symbol := range symbols {
		m.p.Cache.Remove(symbol)
	}
	m.p.Resolver.Reset()
	m.session.Reset()
}

func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscriptions returns the desired subscription set, sorted.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// MarketOpen reports the session's market status; known is false before the first market_info frame.
func (m *Manager) MarketOpen() (open, known bool) {
	return m.session.MarketOpen()
}

func (m *Manager) Cache() *pricecache.Cache {
	return m.p.Cache
}

// nextGenerationLocked cancels the current generation and starts a new one.
func (m *Manager) nextGenerationLocked() (uint64, context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	return m.gen, ctx
}

func (m *Manager) setStateLocked(ctx context.Context, to types.ConnectionState) {
	from := m.state
	m.state = to
	m.p.Metrics.SetConnectionState(m.p.Account, int(to))
	if from != to {
		logger.Connection(ctx, m.p.Account, from.String(), to.String())
	}
}

func (m *Manager) establish(ctx context.Context, gen uint64) error {
	// vendor keys are not stable across sessions
	m.p.Resolver.Reset()
	m.p.Resolver.Resolve(ctx, m.Subscriptions())

	url, err := m.p.Authorizer.Authorize(ctx, m.p.Account)
	if err != nil {
		err = fmt.Errorf("authorize feed: %w", err)
		m.fail(ctx, gen, err)
		return err
	}

	conn, err := m.p.Dialer.Dial(ctx, url)
	if err != nil {
		m.fail(ctx, gen, err)
		return err
	}

	// symbols added while dialing still need keys
	var keys map[string]string
	for {
		keys = m.p.Resolver.Resolve(ctx, m.Subscriptions())

		m.mu.Lock()
		if gen != m.gen || m.intentional {
			m.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		if covers(keys, m.symbols) {
			break
		}
		m.mu.Unlock()
	}

	m.active = make(map[string]string, len(m.symbols))
	for symbol := range m.symbols {
		m.active[symbol] = keys[symbol]
	}
	m.conn = conn
	m.attempts = 0
	m.setStateLocked(ctx, types.Open)
	subKeys := sortedValues(m.active)
	m.mu.Unlock()

	go m.readLoop(ctx, gen, conn)
	go m.pingLoop(ctx, gen, conn)

	if len(subKeys) > 0 {
		if err := m.send(conn, "sub", subKeys); err != nil {
			logger.ErrorWithErr(ctx, "Failed to send subscription", err, "account", m.p.Account)
			// the read loop sees the closed socket and schedules a reconnect
			_ = conn.Close()
			return err
		}
	}

	logger.Info(ctx, "Feed subscribed",
		"account", m.p.Account,
		"mode", m.currentMode(),
		"count", len(subKeys),
	)
	return nil
}

// subscribe resolves symbols and sends an incremental sub on an Open connection.
func (m *Manager) subscribe(ctx context.Context, gen uint64, conn Conn, symbols []string) error {
	if len(symbols) == 0 || conn == nil {
		return nil
	}

	keys := m.p.Resolver.Resolve(ctx, symbols)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return nil
	}
	var list []string
	for _, symbol := range symbols {
		if _, ok := m.symbols[symbol]; !ok {
			continue
		}
		m.active[symbol] = keys[symbol]
		list = append(list, keys[symbol])
	}
	m.mu.Unlock()

	if len(list) == 0 {
		return nil
	}
	sort.Strings(list)
	if err := m.send(conn, "sub", list); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (m *Manager) send(conn Conn, method string, keys []string) error {
	return conn.Send(ControlMessage{
		GUID:   uuid.NewString(),
		Method: method,
		Data: ControlData{
			Mode:           m.currentMode(),
			InstrumentKeys: keys,
		},
	})
}

func (m *Manager) currentMode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// fail handles a failed connect attempt of generation gen.
func (m *Manager) fail(ctx context.Context, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.intentional {
		return
	}
	logger.ErrorWithErr(ctx, "Feed connect failed", err, "account", m.p.Account, "attempt", m.attempts+1)
	m.setStateLocked(ctx, types.Reconnecting)
	m.scheduleReconnectLocked(ctx)
}

// handleClose runs when the read loop of generation gen ends.
func (m *Manager) handleClose(ctx context.Context, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.conn = nil
	m.active = make(map[string]string)

	if m.intentional {
		m.setStateLocked(ctx, types.Disconnected)
		return
	}

	logger.Warn(ctx, "Feed connection lost", "account", m.p.Account, "error", err)
	m.setStateLocked(ctx, types.Reconnecting)
	m.scheduleReconnectLocked(ctx)
}

// scheduleReconnectLocked arms the single reconnect timer; a pending timer is left alone.
func (m *Manager) scheduleReconnectLocked(ctx context.Context) {
	if m.reconnect != nil || m.intentional {
		return
	}

	delay := m.p.Backoff.Delay(m.attempts)
	m.attempts++
	m.p.Metrics.ReconnectScheduled(m.p.Account)
	logger.Info(ctx, "Feed reconnect scheduled",
		"account", m.p.Account,
		"attempt", m.attempts,
		"delay", delay.String(),
	)

	m.reconnect = m.afterFunc(delay, m.reconnectNow)
}

func (m *Manager) reconnectNow() {
	ctx := context.Background()

	m.mu.Lock()
	m.reconnect = nil
	if m.intentional || m.state != types.Reconnecting {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(ctx, types.Connecting)
	gen, genCtx := m.nextGenerationLocked()
	m.mu.Unlock()

	_ = m.establish(genCtx, gen)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(context.Background(), gen, err)
			return
		}
		if ctx.Err() != nil {
			return
		}

		kind := "binary"
		if messageType == websocket.TextMessage {
			kind = "text"
		}
		m.p.Metrics.FrameReceived(m.p.Account, kind)

		m.handleFrame(ctx, gen, messageType, data)
	}
}

func (m *Manager) handleFrame(ctx context.Context, gen uint64, messageType int, data []byte) {
	res := m.p.Decoder.Decode(ctx, messageType, data)

	if res.MarketInfo != nil {
		open := m.session.Update(*res.MarketInfo, m.p.Segment)
		logger.Debug(ctx, "Market status updated", "account", m.p.Account, "open", open)
		if !open && m.p.SeedWhenClosed && m.p.Seeder != nil && m.session.claimSeed() {
			go m.seed(ctx, gen)
		}
	}

	if len(res.Updates) == 0 {
		return
	}
	m.deliver.Lock()
	defer m.deliver.Unlock()
	for _, u := range res.Updates {
		m.apply(gen, u)
	}
}

// apply must be called with deliver held.
func (m *Manager) apply(gen uint64, u types.PartialUpdate) {
	symbol, ok := m.p.Resolver.Symbol(u.VendorKey)
	if !ok {
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if _, subscribed := m.symbols[symbol]; !subscribed {
		m.mu.Unlock()
		return
	}
	cb := m.onUpdate
	m.mu.Unlock()

	merged := m.p.Cache.Upsert(symbol, u)
	if cb != nil {
		cb(merged)
	}
}

// seed fills the cache from REST quotes once per session while the market is closed.
func (m *Manager) seed(ctx context.Context, gen uint64) {
	m.mu.Lock()
	keys := sortedValues(m.active)
	m.mu.Unlock()
	if len(keys) == 0 {
		return
	}

	fetch := func(ctx context.Context) ([]types.Tick, error) {
		return m.p.Seeder.Quotes(ctx, keys)
	}

	var (
		ticks []types.Tick
		err   error
	)
	if m.p.Throttler != nil {
		ticks, err = throttle.Do(ctx, m.p.Throttler, fetch)
	} else {
		ticks, err = fetch(ctx)
	}
	if err != nil {
		logger.Warn(ctx, "Closed-market seeding failed", "account", m.p.Account, "error", err)
		return
	}

	if !m.current(gen) {
		return
	}
	m.deliver.Lock()
	for _, tick := range ticks {
		m.apply(gen, tick.Partial())
	}
	m.deliver.Unlock()
	logger.Info(ctx, "Seeded price cache while market closed", "account", m.p.Account, "count", len(ticks))
}

func (m *Manager) pingLoop(ctx context.Context, gen uint64, conn Conn) {
	if m.p.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.p.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				logger.Warn(ctx, "Feed ping failed", "account", m.p.Account, "error", err)
				// closing unblocks the read loop, which owns reconnect scheduling
				_ = conn.Close()
				return
			}
		}
	}
}

func covers(keys map[string]string, symbols map[string]struct{}) bool {
	for s := range symbols {
		if _, ok := keys[s]; !ok {
			return false
		}
	}
	return true
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
