package decoder

import (
	"context"
	"math"
	"testing"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protowire"

	"marketfeed/internal/types"
)

func fDouble(num protowire.Number, v float64) []byte {
	b := protowire.AppendTag(nil, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func fVarint(num protowire.Number, v uint64) []byte {
	b := protowire.AppendTag(nil, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func fMsg(num protowire.Number, fields ...[]byte) []byte {
	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendBytes(b, join(fields...))
}

func fString(num protowire.Number, s string) []byte {
	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func join(fields ...[]byte) []byte {
	var out []byte
	for _, f := range fields {
		out = append(out, f...)
	}
	return out
}

func feedEntry(key string, feed ...[]byte) []byte {
	return fMsg(2, fString(1, key), fMsg(2, feed...))
}

func value(t *testing.T, name string, p *float64, want float64) {
	t.Helper()
	if p == nil {
		t.Errorf("Expected %s %.2f, got nil", name, want)
		return
	}
	if *p != want {
		t.Errorf("Expected %s %.2f, got %.2f", name, want, *p)
	}
}

func find(res Result, key string) (types.PartialUpdate, bool) {
	for _, u := range res.Updates {
		if u.VendorKey == key {
			return u, true
		}
	}
	return types.PartialUpdate{}, false
}

func TestDecodeFullFeed(t *testing.T) {
	frame := join(
		fVarint(1, typeLiveFeed),
		feedEntry("NSE_EQ|INE002A01018",
			fMsg(2, // fullFeed
				fMsg(1, // marketFF
					fMsg(1, fDouble(1, 2500.5), fDouble(4, 2480)),
					fMsg(2,
						fMsg(1, fVarint(1, 10), fDouble(2, 2500), fVarint(3, 5), fDouble(4, 2501)),
						fMsg(1, fVarint(1, 99), fDouble(2, 2499), fVarint(3, 99), fDouble(4, 2502)),
					),
					fMsg(4,
						fMsg(1, fString(1, "I1"), fDouble(2, 1), fDouble(3, 1), fDouble(4, 1), fDouble(5, 1)),
						fMsg(1, fString(1, "1d"), fDouble(2, 2490), fDouble(3, 2510), fDouble(4, 2485), fDouble(5, 2500.5)),
					),
					fVarint(6, 12345),
				),
			),
		),
		fVarint(3, 1704180000000),
	)

	res := New(nil).Decode(context.Background(), websocket.BinaryMessage, frame)

	u, ok := find(res, "NSE_EQ|INE002A01018")
	if !ok {
		t.Fatalf("Expected update for key, got %+v", res.Updates)
	}
	value(t, "LastPrice", u.LastPrice, 2500.5)
	value(t, "PreviousClose", u.PreviousClose, 2480)
	value(t, "Bid", u.Bid, 2500)
	value(t, "BidQty", u.BidQty, 10)
	value(t, "Ask", u.Ask, 2501)
	value(t, "AskQty", u.AskQty, 5)
	value(t, "Open", u.Open, 2490)
	value(t, "High", u.High, 2510)
	value(t, "Low", u.Low, 2485)
	value(t, "Close", u.Close, 2500.5)
	value(t, "Volume", u.Volume, 12345)
}

func TestDecodeLTPCOnlyLeavesOtherFieldsAbsent(t *testing.T) {
	frame := join(
		fVarint(1, typeLiveFeed),
		feedEntry("NSE_EQ|INE467B01029", fMsg(1, fDouble(1, 3500), fDouble(4, 3450))),
		feedEntry("NSE_EQ|ZERO", fMsg(1, fDouble(1, 0))),
	)

	res := New(nil).Decode(context.Background(), websocket.BinaryMessage, frame)

	if len(res.Updates) != 1 {
		t.Fatalf("Expected only the non-empty update, got %d", len(res.Updates))
	}
	u := res.Updates[0]
	value(t, "LastPrice", u.LastPrice, 3500)
	value(t, "PreviousClose", u.PreviousClose, 3450)
	if u.Bid != nil || u.Open != nil || u.Volume != nil {
		t.Errorf("Expected absent fields to stay nil, got %+v", u)
	}
}

func TestFullFeedWinsOverTopLevelLTPC(t *testing.T) {
	frame := join(
		fVarint(1, typeLiveFeed),
		feedEntry("NSE_INDEX|Nifty 50",
			fMsg(1, fDouble(1, 100), fDouble(4, 90)),
			fMsg(2, fMsg(2, fMsg(1, fDouble(1, 101)))),
		),
	)

	res := New(nil).Decode(context.Background(), websocket.BinaryMessage, frame)

	u, ok := find(res, "NSE_INDEX|Nifty 50")
	if !ok {
		t.Fatal("Expected index update")
	}
	value(t, "LastPrice", u.LastPrice, 101)
	// zero cp inside indexFF must not erase the top-level one
	value(t, "PreviousClose", u.PreviousClose, 90)
}

func TestDecodeMarketInfo(t *testing.T) {
	frame := join(
		fVarint(1, typeMarketInfo),
		fMsg(4,
			fMsg(1, fString(1, "NSE_EQ"), fVarint(2, 2)),
			fMsg(1, fString(1, "NSE_FO"), fVarint(2, 3)),
		),
	)

	res := New(nil).Decode(context.Background(), websocket.BinaryMessage, frame)

	if res.MarketInfo == nil {
		t.Fatal("Expected market info")
	}
	if len(res.Updates) != 0 {
		t.Errorf("Expected no price updates, got %d", len(res.Updates))
	}
	if !res.MarketInfo.IsOpen("NSE_EQ") {
		t.Error("Expected NSE_EQ open")
	}
	if res.MarketInfo.IsOpen("NSE_FO") {
		t.Error("Expected NSE_FO closed")
	}
	if !res.MarketInfo.IsOpen("") {
		t.Error("Expected some segment open")
	}
}

func TestUndecodableFramesAreDropped(t *testing.T) {
	d := New(nil)
	ctx := context.Background()

	good := join(fVarint(1, typeLiveFeed), feedEntry("K", fMsg(1, fDouble(1, 5))))

	cases := map[string]struct {
		kind int
		data []byte
	}{
		"empty binary":     {websocket.BinaryMessage, nil},
		"truncated binary": {websocket.BinaryMessage, good[:len(good)-3]},
		"garbage binary":   {websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}},
		"unknown type":     {websocket.BinaryMessage, fVarint(1, 9)},
		"invalid json":     {websocket.TextMessage, []byte(`{"status":`)},
		"error status":     {websocket.TextMessage, []byte(`{"status":"error","errors":[{"message":"bad key"}]}`)},
	}

	for name, tc := range cases {
		res := d.Decode(ctx, tc.kind, tc.data)
		if len(res.Updates) != 0 || res.MarketInfo != nil {
			t.Errorf("%s: expected empty result, got %+v", name, res)
		}
	}
}

func TestDecodeTextFrame(t *testing.T) {
	frame := []byte(`{
		"status": "success",
		"data": {
			"NSE_EQ:RELIANCE": {
				"instrument_token": "NSE_EQ|INE002A01018",
				"last_price": 2500.5,
				"net_change": 20.5,
				"volume": 100,
				"ohlc": {"open": 2490, "high": 2510, "low": 2485, "close": 2500.5},
				"depth": {
					"buy": [{"price": 2500, "quantity": 10}],
					"sell": [{"price": 2501, "quantity": 5}]
				}
			},
			"NSE_EQ|INE467B01029": {"last_price": 3500, "bid": 0}
		}
	}`)

	res := New(nil).Decode(context.Background(), websocket.TextMessage, frame)

	if len(res.Updates) != 2 {
		t.Fatalf("Expected 2 updates, got %d", len(res.Updates))
	}

	u, ok := find(res, "NSE_EQ|INE002A01018")
	if !ok {
		t.Fatal("Expected instrument_token to be used as the vendor key")
	}
	value(t, "LastPrice", u.LastPrice, 2500.5)
	value(t, "PreviousClose", u.PreviousClose, 2480)
	value(t, "Bid", u.Bid, 2500)
	value(t, "AskQty", u.AskQty, 5)
	value(t, "High", u.High, 2510)

	tcs, ok := find(res, "NSE_EQ|INE467B01029")
	if !ok {
		t.Fatal("Expected map key fallback")
	}
	if tcs.PreviousClose != nil || tcs.Bid != nil {
		t.Errorf("Expected sparse update, got %+v", tcs)
	}
}

func TestParseQuotesAcceptsEnvelopeOrMap(t *testing.T) {
	envelope := []byte(`{"status":"success","data":{"NSE_EQ|A":{"last_price":10}}}`)
	bare := []byte(`{"NSE_EQ|A":{"last_price":10}}`)

	for _, body := range [][]byte{envelope, bare} {
		got := ParseQuotes(body)
		if len(got) != 1 || got[0].VendorKey != "NSE_EQ|A" {
			t.Errorf("Expected one quote for NSE_EQ|A, got %+v", got)
		}
	}

	if got := ParseQuotes([]byte(`[]`)); got != nil {
		t.Errorf("Expected nil for non-object body, got %+v", got)
	}
}
