package feed

import (
	"sync/atomic"

	"marketfeed/internal/decoder"
)

// Session is the market-session state of one feed connection.
type Session struct {
	known  atomic.Bool
	open   atomic.Bool
	seeded atomic.Bool
}

// Update applies a market_info frame for segment and returns the resulting open flag.
func (s *Session) Update(info decoder.MarketInfo, segment string) bool {
	open := info.IsOpen(segment)
	s.open.Store(open)
	s.known.Store(true)
	return open
}

// MarketOpen reports the last known status; known is false until a market_info frame arrives.
func (s *Session) MarketOpen() (open, known bool) {
	return s.open.Load(), s.known.Load()
}

// claimSeed returns true exactly once per session.
func (s *Session) claimSeed() bool {
	return s.seeded.CompareAndSwap(false, true)
}

func (s *Session) Reset() {
	s.known.Store(false)
	s.open.Store(false)
	s.seeded.Store(false)
}
