package decoder

import (
	"context"
	"errors"

	"github.com/tidwall/gjson"

	"marketfeed/internal/logger"
	"marketfeed/internal/types"
)

var errInvalidJSON = errors.New("invalid json")

func decodeText(ctx context.Context, data []byte) (Result, error) {
	if !gjson.ValidBytes(data) {
		return Result{}, errInvalidJSON
	}

	status := gjson.GetBytes(data, "status").String()
	if status == "error" {
		logger.Warn(ctx, "Feed reported an error",
			"errors", gjson.GetBytes(data, "errors").Raw,
		)
		return Result{}, nil
	}

	payload := gjson.GetBytes(data, "data")
	if !payload.IsObject() {
		return Result{}, nil
	}
	return Result{Updates: parseQuotes(payload)}, nil
}

// ParseQuotes reads a quote map of the form {"<key>": {last_price, ohlc, volume, net_change,
// depth, instrument_token}} as served by both the text feed and the REST quote endpoint.
// When instrument_token is present it wins over the map key.
func ParseQuotes(data []byte) []types.PartialUpdate {
	parsed := gjson.ParseBytes(data)
	if parsed.Get("data").IsObject() {
		parsed = parsed.Get("data")
	}
	if !parsed.IsObject() {
		return nil
	}
	return parseQuotes(parsed)
}

func parseQuotes(obj gjson.Result) []types.PartialUpdate {
	var out []types.PartialUpdate

	obj.ForEach(func(key, q gjson.Result) bool {
		if !q.IsObject() {
			return true
		}

		vendorKey := q.Get("instrument_token").String()
		if vendorKey == "" {
			vendorKey = key.String()
		}

		p := types.PartialUpdate{
			VendorKey: vendorKey,
			LastPrice: num(q.Get("last_price")),
			Open:      num(q.Get("ohlc.open")),
			High:      num(q.Get("ohlc.high")),
			Low:       num(q.Get("ohlc.low")),
			Close:     num(q.Get("ohlc.close")),
			Volume:    num(q.Get("volume")),
			Bid:       num(q.Get("depth.buy.0.price")),
			BidQty:    num(q.Get("depth.buy.0.quantity")),
			Ask:       num(q.Get("depth.sell.0.price")),
			AskQty:    num(q.Get("depth.sell.0.quantity")),
		}

		if cp := num(q.Get("cp")); cp != nil {
			p.PreviousClose = cp
		} else if change := q.Get("net_change"); change.Exists() && p.LastPrice != nil {
			if prev := *p.LastPrice - change.Float(); prev > 0 {
				p.PreviousClose = types.F(prev)
			}
		}

		if !p.Empty() {
			out = append(out, p)
		}
		return true
	})

	return out
}

// num treats missing and zero values alike so a sparse frame never zeroes a known price.
func num(v gjson.Result) *float64 {
	if !v.Exists() {
		return nil
	}
	f := v.Float()
	if f == 0 {
		return nil
	}
	return &f
}
