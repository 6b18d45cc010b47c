package zerodha

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"marketfeed/internal/logger"
	"marketfeed/internal/metrics"
	"marketfeed/internal/pricecache"
	"marketfeed/internal/types"
)

// tickerConn is the part of the Kite ticker the manager drives.
type tickerConn interface {
	Subscribe(tokens []uint32) error
	SetMode(mode kiteticker.Mode, tokens []uint32) error
	Serve()
	Stop()
}

type TickerParams struct {
	APIKey      string
	AccessToken string
	Account     string
	Broker      *Zerodha
	Cache       *pricecache.Cache
	Metrics     *metrics.Collector
	OnUpdate    func(types.PriceUpdate)
}

// TickerManager streams Kite full-mode ticks into the price cache. Reconnects are left to
// the Kite ticker; subscriptions are replayed on every connect.
type TickerManager struct {
	p TickerParams

	mu     sync.RWMutex
	conn   tickerConn
	tokens map[uint32]string
}

func NewTickerManager(p TickerParams) *TickerManager {
	return &TickerManager{p: p, tokens: make(map[uint32]string)}
}

func (tm *TickerManager) Start(ctx context.Context, symbols []string) error {
	if err := tm.track(ctx, symbols); err != nil {
		return err
	}

	t := kiteticker.New(tm.p.APIKey, tm.p.AccessToken)
	t.OnConnect(tm.onConnect)
	t.OnError(tm.onError)
	t.OnClose(tm.onClose)
	t.OnReconnect(tm.onReconnect)
	t.OnNoReconnect(tm.onNoReconnect)
	t.OnTick(tm.onTick)

	tm.mu.Lock()
	tm.conn = t
	tm.mu.Unlock()

	go func() {
		logger.Info(ctx, "Starting Zerodha ticker", "account", tm.p.Account, "symbols", len(symbols))
		t.Serve()
	}()
	return nil
}

func (tm *TickerManager) Stop(ctx context.Context) {
	tm.mu.Lock()
	conn := tm.conn
	tm.conn = nil
	tm.mu.Unlock()

	if conn != nil {
		logger.Info(ctx, "Stopping Zerodha ticker", "account", tm.p.Account)
		conn.Stop()
	}
	tm.p.Metrics.SetConnectionState(tm.p.Account, int(types.Disconnected))
}

// Subscribe adds symbols to the live set.
func (tm *TickerManager) Subscribe(ctx context.Context, symbols []string) error {
	if err := tm.track(ctx, symbols); err != nil {
		return err
	}

	tm.mu.RLock()
	conn := tm.conn
	tm.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return tm.subscribe(conn)
}

func (tm *TickerManager) track(ctx context.Context, symbols []string) error {
	keys, err := tm.p.Broker.LookupKeys(ctx, symbols)
	if err != nil {
		return fmt.Errorf("resolve instrument tokens: %w", err)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, s := range symbols {
		key, ok := keys[s]
		if !ok {
			logger.Warn(ctx, "No instrument token for symbol", "symbol", s)
			continue
		}
		if token, ok := tokenOf(key); ok {
			tm.tokens[token] = s
		}
	}
	return nil
}

func (tm *TickerManager) subscribe(conn tickerConn) error {
	tokens := tm.trackedTokens()
	if len(tokens) == 0 {
		return nil
	}
	if err := conn.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe to tokens: %w", err)
	}
	if err := conn.SetMode(kiteticker.ModeFull, tokens); err != nil {
		return fmt.Errorf("failed to set ticker mode: %w", err)
	}
	return nil
}

func (tm *TickerManager) trackedTokens() []uint32 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tokens := make([]uint32, 0, len(tm.tokens))
	for token := range tm.tokens {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

func (tm *TickerManager) onConnect() {
	ctx := context.Background()
	logger.Connection(ctx, tm.p.Account, types.Connecting.String(), types.Open.String())
	tm.p.Metrics.SetConnectionState(tm.p.Account, int(types.Open))

	tm.mu.RLock()
	conn := tm.conn
	tm.mu.RUnlock()
	if conn == nil {
		return
	}
	if err := tm.subscribe(conn); err != nil {
		logger.ErrorWithErr(ctx, "Ticker subscription failed", err, "account", tm.p.Account)
	}
}

func (tm *TickerManager) onError(err error) {
	logger.ErrorWithErr(context.Background(), "Ticker error", err, "account", tm.p.Account)
}

func (tm *TickerManager) onClose(code int, reason string) {
	logger.Warn(context.Background(), "Ticker closed", "account", tm.p.Account, "code", code, "reason", reason)
	tm.p.Metrics.SetConnectionState(tm.p.Account, int(types.Reconnecting))
}

func (tm *TickerManager) onReconnect(attempt int, delay time.Duration) {
	logger.Info(context.Background(), "Ticker reconnecting", "account", tm.p.Account, "attempt", attempt, "delay", delay)
	tm.p.Metrics.ReconnectScheduled(tm.p.Account)
}

func (tm *TickerManager) onNoReconnect(attempt int) {
	logger.Warn(context.Background(), "Ticker gave up reconnecting", "account", tm.p.Account, "attempts", attempt)
	tm.p.Metrics.SetConnectionState(tm.p.Account, int(types.Disconnected))
}

func (tm *TickerManager) onTick(tick models.Tick) {
	tm.mu.RLock()
	symbol, ok := tm.tokens[tick.InstrumentToken]
	tm.mu.RUnlock()
	if !ok {
		return
	}
	tm.p.Metrics.FrameReceived(tm.p.Account, "tick")

	u := tm.p.Cache.Upsert(symbol, tickPartial(tick))
	if tm.p.OnUpdate != nil {
		tm.p.OnUpdate(u)
	}
}

// tickPartial keeps only the fields a tick actually carried; ltp-mode ticks have no OHLC.
func tickPartial(tick models.Tick) types.PartialUpdate {
	p := types.PartialUpdate{VendorKey: keyOf(tick.InstrumentToken)}
	nonZero := func(dst **float64, v float64) {
		if v != 0 {
			*dst = types.F(v)
		}
	}

	nonZero(&p.LastPrice, tick.LastPrice)
	nonZero(&p.Open, tick.OHLC.Open)
	nonZero(&p.High, tick.OHLC.High)
	nonZero(&p.Low, tick.OHLC.Low)
	nonZero(&p.PreviousClose, tick.OHLC.Close)
	nonZero(&p.Volume, float64(tick.VolumeTraded))
	nonZero(&p.Bid, tick.Depth.Buy[0].Price)
	nonZero(&p.Ask, tick.Depth.Sell[0].Price)
	nonZero(&p.BidQty, float64(tick.Depth.Buy[0].Quantity))
	nonZero(&p.AskQty, float64(tick.Depth.Sell[0].Quantity))
	return p
}
