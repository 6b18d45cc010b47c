package types

import "time"

type InstrumentMapping struct {
	Symbol    string `json:"symbol"`
	VendorKey string `json:"vendor_key"`
}

// PriceUpdate is the merged latest-value record for one symbol.
// ChangeKnown is false until both LastPrice and a positive PreviousClose are known.
type PriceUpdate struct {
	Symbol             string    `json:"symbol"`
	VendorKey          string    `json:"vendor_key"`
	LastPrice          float64   `json:"last_price"`
	PriceChange        float64   `json:"price_change,omitempty"`
	PriceChangePercent float64   `json:"price_change_percent,omitempty"`
	ChangeKnown        bool      `json:"change_known"`
	PreviousClose      float64   `json:"previous_close,omitempty"`
	Open               float64   `json:"open"`
	High               float64   `json:"high"`
	Low                float64   `json:"low"`
	Close              float64   `json:"close"`
	Volume             float64   `json:"volume"`
	Bid                float64   `json:"bid"`
	Ask                float64   `json:"ask"`
	BidQty             float64   `json:"bid_qty"`
	AskQty             float64   `json:"ask_qty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// PartialUpdate carries only the fields a frame actually delivered; nil means absent.
type PartialUpdate struct {
	VendorKey     string
	LastPrice     *float64
	PreviousClose *float64
	Open          *float64
	High          *float64
	Low           *float64
	Close         *float64
	Volume        *float64
	Bid           *float64
	Ask           *float64
	BidQty        *float64
	AskQty        *float64
}

// Empty reports whether the partial carries no price field at all.
func (p PartialUpdate) Empty() bool {
	return p.LastPrice == nil && p.PreviousClose == nil && p.Open == nil && p.High == nil &&
		p.Low == nil && p.Close == nil && p.Volume == nil && p.Bid == nil && p.Ask == nil &&
		p.BidQty == nil && p.AskQty == nil
}

// F returns a pointer to v, for building partial updates.
func F(v float64) *float64 { return &v }

type Candle struct {
	Date         string  `json:"date"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       float64 `json:"volume"`
	OpenInterest float64 `json:"oi,omitempty"`
}

// CandleBucket holds one calendar day (vendor-local) of candles; Date is YYYY-MM-DD.
type CandleBucket struct {
	Date    string   `json:"date"`
	Candles []Candle `json:"candles"`
}

type MergeResult struct {
	Inserted      int `json:"inserted"`
	AlreadyExists int `json:"already_exists"`
}

// CacheRequest is a historical fetch that failed and waits for a drain.
type CacheRequest struct {
	InstrumentKey string    `json:"instrument_key"`
	Interval      string    `json:"interval"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ID is the durable identity of the request.
func (r CacheRequest) ID() string {
	return r.InstrumentKey + "|" + r.Interval + "|" + r.From + "|" + r.To
}

type Tick struct {
	InstrumentKey string    `json:"instrument_key"`
	Symbol        string    `json:"symbol,omitempty"`
	LastPrice     float64   `json:"last_price"`
	PreviousClose float64   `json:"previous_close,omitempty"`
	Open          float64   `json:"open,omitempty"`
	High          float64   `json:"high,omitempty"`
	Low           float64   `json:"low,omitempty"`
	Close         float64   `json:"close,omitempty"`
	Volume        float64   `json:"volume,omitempty"`
	Bid           float64   `json:"bid,omitempty"`
	Ask           float64   `json:"ask,omitempty"`
	BidQty        float64   `json:"bid_qty,omitempty"`
	AskQty        float64   `json:"ask_qty,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Partial converts a quote tick into a sparse update; zero fields are treated as absent.
func (t Tick) Partial() PartialUpdate {
	p := PartialUpdate{VendorKey: t.InstrumentKey}
	for _, f := range []struct {
		dst **float64
		v   float64
	}{
		{&p.LastPrice, t.LastPrice},
		{&p.PreviousClose, t.PreviousClose},
		{&p.Open, t.Open},
		{&p.High, t.High},
		{&p.Low, t.Low},
		{&p.Close, t.Close},
		{&p.Volume, t.Volume},
		{&p.Bid, t.Bid},
		{&p.Ask, t.Ask},
		{&p.BidQty, t.BidQty},
		{&p.AskQty, t.AskQty},
	} {
		if f.v != 0 {
			*f.dst = F(f.v)
		}
	}
	return p
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Open
	Reconnecting
	Closing
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Reconnecting:
		return "RECONNECTING"
	case Closing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}
