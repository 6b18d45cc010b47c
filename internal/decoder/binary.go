package decoder

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"marketfeed/internal/types"
)

// Field numbers of the v3 market data feed schema.
//
//	FeedResponse { Type type = 1; map<string, Feed> feeds = 2; int64 currentTs = 3; MarketInfo marketInfo = 4; }
//	Feed { LTPC ltpc = 1; FullFeed fullFeed = 2; FirstLevelWithGreeks firstLevelWithGreeks = 3; }
//	FullFeed { MarketFullFeed marketFF = 1; IndexFullFeed indexFF = 2; }
//	MarketFullFeed { LTPC ltpc = 1; MarketLevel marketLevel = 2; MarketOHLC marketOHLC = 4; double atp = 5; int64 vtt = 6; }
//	IndexFullFeed { LTPC ltpc = 1; MarketOHLC marketOHLC = 2; }
//	FirstLevelWithGreeks { LTPC ltpc = 1; Quote firstDepth = 2; int64 vtt = 4; }
//	LTPC { double ltp = 1; int64 ltt = 2; int64 ltq = 3; double cp = 4; }
//	MarketLevel { repeated Quote bidAskQuote = 1; }
//	Quote { int64 bidQ = 1; double bidP = 2; int64 askQ = 3; double askP = 4; }
//	MarketOHLC { repeated OHLC ohlc = 1; }
//	OHLC { string interval = 1; double open = 2; double high = 3; double low = 4; double close = 5; int64 vol = 6; int64 ts = 7; }
//	MarketInfo { map<string, MarketStatus> segmentStatus = 1; }
const (
	typeInitialFeed = 0
	typeLiveFeed    = 1
	typeMarketInfo  = 2

	dailyInterval = "1d"
)

var segmentStatuses = map[uint64]string{
	0: StatusPreOpenStart,
	1: StatusPreOpenEnd,
	2: StatusNormalOpen,
	3: StatusNormalClose,
	4: StatusClosingStart,
	5: StatusClosingEnd,
}

var errEmptyFrame = errors.New("empty binary frame")

type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

// walk visits every top-level field of one encoded message.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		if err := fn(field{num: num, typ: typ, raw: b[:m]}); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func (f field) message() ([]byte, bool) {
	if f.typ != protowire.BytesType {
		return nil, false
	}
	v, n := protowire.ConsumeBytes(f.raw)
	return v, n >= 0
}

func (f field) str() string {
	v, ok := f.message()
	if !ok {
		return ""
	}
	return string(v)
}

func (f field) double() float64 {
	if f.typ != protowire.Fixed64Type {
		return 0
	}
	v, n := protowire.ConsumeFixed64(f.raw)
	if n < 0 {
		return 0
	}
	return math.Float64frombits(v)
}

func (f field) varint() uint64 {
	if f.typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(f.raw)
	if n < 0 {
		return 0
	}
	return v
}

func decodeBinary(data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{}, errEmptyFrame
	}

	var (
		msgType uint64
		updates []types.PartialUpdate
		info    *MarketInfo
	)

	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			msgType = f.varint()
		case 2:
			entry, ok := f.message()
			if !ok {
				return errors.New("feeds entry is not a message")
			}
			p, err := decodeFeedEntry(entry)
			if err != nil {
				return fmt.Errorf("feeds: %w", err)
			}
			if p.VendorKey != "" && !p.Empty() {
				updates = append(updates, p)
			}
		case 4:
			body, ok := f.message()
			if !ok {
				return errors.New("marketInfo is not a message")
			}
			mi, err := decodeMarketInfo(body)
			if err != nil {
				return fmt.Errorf("marketInfo: %w", err)
			}
			info = mi
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	switch msgType {
	case typeMarketInfo:
		return Result{MarketInfo: info}, nil
	case typeInitialFeed, typeLiveFeed:
		return Result{Updates: updates, MarketInfo: info}, nil
	default:
		return Result{}, fmt.Errorf("unknown frame type %d", msgType)
	}
}

func decodeFeedEntry(entry []byte) (types.PartialUpdate, error) {
	var (
		key  string
		body []byte
	)
	err := walk(entry, func(f field) error {
		switch f.num {
		case 1:
			key = f.str()
		case 2:
			body, _ = f.message()
		}
		return nil
	})
	if err != nil {
		return types.PartialUpdate{}, err
	}

	p := types.PartialUpdate{VendorKey: key}
	if body == nil {
		return p, nil
	}
	return p, decodeFeed(body, &p)
}

// decodeFeed applies the least specific shape first so fullFeed values win where both are present.
func decodeFeed(b []byte, p *types.PartialUpdate) error {
	var ltpc, greeks, full []byte
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			ltpc, _ = f.message()
		case 2:
			full, _ = f.message()
		case 3:
			greeks, _ = f.message()
		}
		return nil
	})
	if err != nil {
		return err
	}

	if ltpc != nil {
		if err := decodeLTPC(ltpc, p); err != nil {
			return fmt.Errorf("ltpc: %w", err)
		}
	}
	if greeks != nil {
		if err := decodeFirstLevel(greeks, p); err != nil {
			return fmt.Errorf("firstLevelWithGreeks: %w", err)
		}
	}
	if full != nil {
		if err := decodeFullFeed(full, p); err != nil {
			return fmt.Errorf("fullFeed: %w", err)
		}
	}
	return nil
}

func decodeFullFeed(b []byte, p *types.PartialUpdate) error {
	return walk(b, func(f field) error {
		body, ok := f.message()
		if !ok {
			return nil
		}
		switch f.num {
		case 1:
			return decodeMarketFF(body, p)
		case 2:
			return decodeIndexFF(body, p)
		}
		return nil
	})
}

func decodeMarketFF(b []byte, p *types.PartialUpdate) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			if body, ok := f.message(); ok {
				return decodeLTPC(body, p)
			}
		case 2:
			if body, ok := f.message(); ok {
				return decodeMarketLevel(body, p)
			}
		case 4:
			if body, ok := f.message(); ok {
				return decodeMarketOHLC(body, p)
			}
		case 6:
			setNonZero(&p.Volume, float64(f.varint()))
		}
		return nil
	})
}

func decodeIndexFF(b []byte, p *types.PartialUpdate) error {
	return walk(b, func(f field) error {
		body, ok := f.message()
		if !ok {
			return nil
		}
		switch f.num {
		case 1:
			return decodeLTPC(body, p)
		case 2:
			return decodeMarketOHLC(body, p)
		}
		return nil
	})
}

func decodeFirstLevel(b []byte, p *types.PartialUpdate) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			if body, ok := f.message(); ok {
				return decodeLTPC(body, p)
			}
		case 2:
			if body, ok := f.message(); ok {
				return decodeQuote(body, p)
			}
		case 4:
			setNonZero(&p.Volume, float64(f.varint()))
		}
		return nil
	})
}

func decodeLTPC(b []byte, p *types.PartialUpdate) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			setNonZero(&p.LastPrice, f.double())
		case 4:
			setNonZero(&p.PreviousClose, f.double())
		}
		return nil
	})
}

// decodeMarketLevel keeps only the top of book.
func decodeMarketLevel(b []byte, p *types.PartialUpdate) error {
	seen := false
	return walk(b, func(f field) error {
		if f.num != 1 || seen {
			return nil
		}
		body, ok := f.message()
		if !ok {
			return nil
		}
		seen = true
		return decodeQuote(body, p)
	})
}

func decodeQuote(b []byte, p *types.PartialUpdate) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			setNonZero(&p.BidQty, float64(int64(f.varint())))
		case 2:
			setNonZero(&p.Bid, f.double())
		case 3:
			setNonZero(&p.AskQty, float64(int64(f.varint())))
		case 4:
			setNonZero(&p.Ask, f.double())
		}
		return nil
	})
}

// decodeMarketOHLC applies the daily bar and ignores intraday ones.
func decodeMarketOHLC(b []byte, p *types.PartialUpdate) error {
	return walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		body, ok := f.message()
		if !ok {
			return nil
		}

		var (
			interval       string
			op, hi, lo, cl float64
		)
		err := walk(body, func(o field) error {
			switch o.num {
			case 1:
				interval = o.str()
			case 2:
				op = o.double()
			case 3:
				hi = o.double()
			case 4:
				lo = o.double()
			case 5:
				cl = o.double()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if interval != dailyInterval {
			return nil
		}

		setNonZero(&p.Open, op)
		setNonZero(&p.High, hi)
		setNonZero(&p.Low, lo)
		setNonZero(&p.Close, cl)
		return nil
	})
}

func decodeMarketInfo(b []byte) (*MarketInfo, error) {
	info := &MarketInfo{Segments: make(map[string]string)}

	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		entry, ok := f.message()
		if !ok {
			return nil
		}

		var (
			segment string
			status  uint64
		)
		if err := walk(entry, func(e field) error {
			switch e.num {
			case 1:
				segment = e.str()
			case 2:
				status = e.varint()
			}
			return nil
		}); err != nil {
			return err
		}

		if name, ok := segmentStatuses[status]; ok && segment != "" {
			info.Segments[segment] = name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// setNonZero overwrites dst only with a real value; proto3 encodes absent numbers as zero.
func setNonZero(dst **float64, v float64) {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	*dst = &v
}
