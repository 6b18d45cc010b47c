package upstox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"marketfeed/internal/api"
	"marketfeed/internal/decoder"
	"marketfeed/internal/interfaces"
	"marketfeed/internal/types"
)

const DefaultBaseURL = "https://api.upstox.com"

type Params struct {
	BaseURL    string
	Account    string
	Tokens     interfaces.TokenSource
	HTTPClient *http.Client
	// Location is the exchange zone used for date path segments.
	Location *time.Location
}

// Upstox is the REST side of the vendor: feed authorization, historical candles and quotes.
type Upstox struct {
	p    Params
	http *api.Client
}

var (
	_ interfaces.Broker         = (*Upstox)(nil)
	_ interfaces.FeedAuthorizer = (*Upstox)(nil)
)

func New(p Params) *Upstox {
	if p.BaseURL == "" {
		p.BaseURL = DefaultBaseURL
	}
	if p.Location == nil {
		p.Location = time.FixedZone("IST", 19800)
	}
	return &Upstox{
		p: p,
		http: api.NewClient(
			api.WithBaseURL(p.BaseURL),
			api.WithTimeout(15*time.Second),
			api.WithHTTPClient(p.HTTPClient),
			api.WithLogging(true),
		),
	}
}

func (u *Upstox) Name() string { return "UPSTOX" }

// Authorize returns the one-time websocket URL for the market data feed.
func (u *Upstox) Authorize(ctx context.Context, account string) (string, error) {
	body, err := u.get(ctx, account, "/v3/feed/market-data-feed/authorize", nil)
	if err != nil {
		return "", fmt.Errorf("authorize feed: %w", err)
	}

	uri := gjson.GetBytes(body, "data.authorized_redirect_uri").String()
	if uri == "" {
		return "", errors.New("authorize feed: response has no authorized_redirect_uri")
	}
	return uri, nil
}

// Historical reads candles for [from, to] by calendar day. Rows are
// [timestamp, open, high, low, close, volume, oi].
func (u *Upstox) Historical(ctx context.Context, key, interval string, from, to time.Time) ([]types.Candle, error) {
	path := fmt.Sprintf("/v2/historical-candle/%s/%s/%s/%s",
		url.PathEscape(key),
		url.PathEscape(interval),
		to.In(u.p.Location).Format(time.DateOnly),
		from.In(u.p.Location).Format(time.DateOnly),
	)

	body, err := u.get(ctx, u.p.Account, path, nil)
	if err != nil {
		return nil, err
	}

	rows := gjson.GetBytes(body, "data.candles").Array()
	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		cols := row.Array()
		if len(cols) < 6 || cols[0].String() == "" {
			continue
		}
		c := types.Candle{
			Date:   cols[0].String(),
			Open:   cols[1].Float(),
			High:   cols[2].Float(),
			Low:    cols[3].Float(),
			Close:  cols[4].Float(),
			Volume: cols[5].Float(),
		}
		if len(cols) > 6 {
			c.OpenInterest = cols[6].Float()
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// Quotes fetches full market quotes in one call.
func (u *Upstox) Quotes(ctx context.Context, keys []string) ([]types.Tick, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("instrument_key", strings.Join(keys, ","))
	body, err := u.get(ctx, u.p.Account, "/v2/market-quote/quotes", q)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	partials := decoder.ParseQuotes(body)
	ticks := make([]types.Tick, 0, len(partials))
	for _, p := range partials {
		ticks = append(ticks, tickFrom(p, now))
	}
	return ticks, nil
}

func tickFrom(p types.PartialUpdate, now time.Time) types.Tick {
	v := func(f *float64) float64 {
		if f == nil {
			return 0
		}
		return *f
	}
	return types.Tick{
		InstrumentKey: p.VendorKey,
		LastPrice:     v(p.LastPrice),
		PreviousClose: v(p.PreviousClose),
		Open:          v(p.Open),
		High:          v(p.High),
		Low:           v(p.Low),
		Close:         v(p.Close),
		Volume:        v(p.Volume),
		Bid:           v(p.Bid),
		Ask:           v(p.Ask),
		BidQty:        v(p.BidQty),
		AskQty:        v(p.AskQty),
		Timestamp:     now,
	}
}

func (u *Upstox) get(ctx context.Context, account, path string, query url.Values) ([]byte, error) {
	headers := map[string]string{}
	if u.p.Tokens != nil {
		token, err := u.p.Tokens.AccessToken(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
		headers["Authorization"] = "Bearer " + token
	}

	body, err := u.http.GET(ctx, path, query, headers)
	if err != nil {
		return nil, err
	}
	if status := gjson.GetBytes(body, "status").String(); status != "" && status != "success" {
		return nil, fmt.Errorf("%s: %s", path, api.ErrorMessage(body))
	}
	return body, nil
}
