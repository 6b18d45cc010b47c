package feed

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays as min(Base*2^attempt + jitter, Max) where jitter is
// drawn from [0, min(Jitter, Base)). Keeping jitter below Base makes the sequence
// non-decreasing.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	rand func(n int64) int64
}

func NewBackoff(base, ceiling, jitter time.Duration) Backoff {
	return Backoff{Base: base, Max: ceiling, Jitter: jitter}
}

// Delay returns the wait before reconnect attempt n (zero-based). A Max below Base is
// treated as Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	ceiling := b.Max
	if ceiling < b.Base {
		ceiling = b.Base
	}
	if attempt >= 32 {
		return ceiling
	}

	exp := b.Base << uint(attempt)
	if exp <= 0 || exp >= ceiling {
		return ceiling
	}

	d := exp + b.jitter()
	if d > ceiling {
		d = ceiling
	}
	return d
}

func (b Backoff) jitter() time.Duration {
	span := b.Jitter
	if span > b.Base {
		span = b.Base
	}
	if span <= 0 {
		return 0
	}

	draw := rand.Int64N
	if b.rand != nil {
		draw = b.rand
	}
	return time.Duration(draw(int64(span)))
}
