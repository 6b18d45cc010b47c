package zerodha

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"marketfeed/internal/interfaces"
	"marketfeed/internal/logger"
	"marketfeed/internal/types"
)

// kiteAPI is the subset of the Kite Connect client used here.
type kiteAPI interface {
	GetHistoricalData(instrumentToken int, interval string, fromDate time.Time, toDate time.Time, continuous bool, OI bool) ([]kiteconnect.HistoricalData, error)
	GetQuote(instruments ...string) (kiteconnect.Quote, error)
	GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error)
}

type Params struct {
	APIKey      string
	AccessToken string
	Exchange    string
}

// Zerodha serves historical candles, quotes and instrument lookup from Kite Connect.
// Vendor keys are decimal instrument tokens.
type Zerodha struct {
	p      Params
	kc     kiteAPI
	mapper *instrumentMapper
}

var (
	_ interfaces.Broker           = (*Zerodha)(nil)
	_ interfaces.InstrumentLookup = (*Zerodha)(nil)
)

func NewZerodha(p Params) *Zerodha {
	kc := kiteconnect.New(p.APIKey)
	kc.SetAccessToken(p.AccessToken)
	return newWithClient(p, kc)
}

func newWithClient(p Params, kc kiteAPI) *Zerodha {
	if p.Exchange == "" {
		p.Exchange = "NSE"
	}
	return &Zerodha{p: p, kc: kc, mapper: newInstrumentMapper()}
}

func (z *Zerodha) Name() string { return "ZERODHA" }

// LookupKeys loads the exchange instrument dump once and answers from it.
func (z *Zerodha) LookupKeys(ctx context.Context, symbols []string) (map[string]string, error) {
	if !z.mapper.isLoaded() {
		instruments, err := z.kc.GetInstrumentsByExchange(z.p.Exchange)
		if err != nil {
			return nil, fmt.Errorf("load %s instruments: %w", z.p.Exchange, classify(err))
		}
		z.mapper.load(instruments)
		logger.Info(ctx, "Loaded instrument dump", "exchange", z.p.Exchange, "count", len(instruments))
	}

	out := make(map[string]string, len(symbols))
	for _, s := range symbols {
		if token, ok := z.mapper.getToken(s); ok {
			out[s] = keyOf(token)
		}
	}
	return out, nil
}

func (z *Zerodha) Historical(ctx context.Context, key, interval string, from, to time.Time) ([]types.Candle, error) {
	token, ok := tokenOf(key)
	if !ok {
		return nil, fmt.Errorf("instrument %q: %w", key, interfaces.ErrNotFound)
	}

	data, err := z.kc.GetHistoricalData(int(token), kiteInterval(interval), from, to, false, false)
	if err != nil {
		return nil, classify(err)
	}

	candles := make([]types.Candle, 0, len(data))
	for _, d := range data {
		candles = append(candles, types.Candle{
			Date:         d.Date.Time.Format(time.RFC3339),
			Open:         d.Open,
			High:         d.High,
			Low:          d.Low,
			Close:        d.Close,
			Volume:       float64(d.Volume),
			OpenInterest: float64(d.OI),
		})
	}
	return candles, nil
}

// Quotes accepts instrument tokens or EXCHANGE:SYMBOL keys; results keep the requested key.
func (z *Zerodha) Quotes(ctx context.Context, keys []string) ([]types.Tick, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	quotes, err := z.kc.GetQuote(keys...)
	if err != nil {
		return nil, classify(err)
	}

	now := time.Now()
	ticks := make([]types.Tick, 0, len(quotes))
	for _, key := range keys {
		q, ok := quotes[key]
		if !ok {
			continue
		}
		t := types.Tick{
			InstrumentKey: key,
			Symbol:        z.mapper.getSymbol(uint32(q.InstrumentToken)),
			LastPrice:     q.LastPrice,
			Open:          q.OHLC.Open,
			High:          q.OHLC.High,
			Low:           q.OHLC.Low,
			Volume:        float64(q.Volume),
			Timestamp:     now,
		}
		if len(q.Depth.Buy) > 0 {
			t.Bid = q.Depth.Buy[0].Price
			t.BidQty = float64(q.Depth.Buy[0].Quantity)
		}
		if len(q.Depth.Sell) > 0 {
			t.Ask = q.Depth.Sell[0].Price
			t.AskQty = float64(q.Depth.Sell[0].Quantity)
		}
		// Kite reports the previous session's close in ohlc.close
		if q.OHLC.Close > 0 {
			t.PreviousClose = q.OHLC.Close
		} else if q.LastPrice > 0 && q.NetChange != 0 {
			t.PreviousClose = q.LastPrice - q.NetChange
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

func kiteInterval(interval string) string {
	switch interval {
	case "1minute", "minute":
		return "minute"
	case "1day", "day":
		return "day"
	default:
		return interval
	}
}

// classify maps Kite throttling responses onto interfaces.ErrRateLimited.
func classify(err error) error {
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		if kerr.Code == http.StatusTooManyRequests || strings.Contains(strings.ToLower(kerr.Message), "too many requests") {
			return fmt.Errorf("%s: %w", kerr.Message, interfaces.ErrRateLimited)
		}
	}
	return err
}
