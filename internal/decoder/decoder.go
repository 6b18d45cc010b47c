package decoder

import (
	"context"

	"github.com/gorilla/websocket"

	"marketfeed/internal/logger"
	"marketfeed/internal/metrics"
	"marketfeed/internal/types"
)

// Segment statuses reported by market_info frames.
const (
	StatusPreOpenStart = "PRE_OPEN_START"
	StatusPreOpenEnd   = "PRE_OPEN_END"
	StatusNormalOpen   = "NORMAL_OPEN"
	StatusNormalClose  = "NORMAL_CLOSE"
	StatusClosingStart = "CLOSING_START"
	StatusClosingEnd   = "CLOSING_END"
)

// MarketInfo is the per-segment session status carried by market_info frames.
type MarketInfo struct {
	Segments map[string]string
}

// IsOpen reports whether segment is in normal trading. An empty segment means any segment.
func (m MarketInfo) IsOpen(segment string) bool {
	if segment != "" {
		if status, ok := m.Segments[segment]; ok {
			return status == StatusNormalOpen
		}
	}
	for _, status := range m.Segments {
		if status == StatusNormalOpen {
			return true
		}
	}
	return false
}

// Result is what one frame decoded into. Both fields may be empty.
type Result struct {
	Updates    []types.PartialUpdate
	MarketInfo *MarketInfo
}

// Decoder turns raw feed frames into partial price updates. It is stateless apart from
// metrics and safe for concurrent use.
type Decoder struct {
	metrics *metrics.Collector
}

func New(m *metrics.Collector) *Decoder {
	return &Decoder{metrics: m}
}

// Decode never returns an error: frames it cannot read are logged, counted and dropped.
func (d *Decoder) Decode(ctx context.Context, messageType int, data []byte) (res Result) {
	kind := "binary"
	if messageType == websocket.TextMessage {
		kind = "text"
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Warn(ctx, "Recovered from panic while decoding frame", "kind", kind, "panic", r)
			d.metrics.DecodeFailed(kind)
			res = Result{}
		}
	}()

	var err error
	switch messageType {
	case websocket.TextMessage:
		res, err = decodeText(ctx, data)
	case websocket.BinaryMessage:
		res, err = decodeBinary(data)
	default:
		return Result{}
	}

	if err != nil {
		logger.Warn(ctx, "Dropping undecodable frame",
			"kind", kind,
			"size", len(data),
			"error", err,
		)
		d.metrics.DecodeFailed(kind)
		return Result{}
	}
	return res
}
