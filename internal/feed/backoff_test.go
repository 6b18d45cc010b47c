package feed

import (
	"testing"
	"time"
)

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 500*time.Millisecond)

	var prev time.Duration
	for attempt := 0; attempt < 40; attempt++ {
		d := b.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("Delay exceeded cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
	if prev != 30*time.Second {
		t.Errorf("Expected delays to reach the cap, got %v", prev)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Minute, time.Second)

	var asked int64
	b.rand = func(n int64) int64 {
		asked = n
		return n - 1
	}

	d := b.Delay(0)
	if asked != int64(100*time.Millisecond) {
		t.Errorf("Expected jitter span clamped to base, got %v", time.Duration(asked))
	}
	if d != 200*time.Millisecond-1 {
		t.Errorf("Expected base plus max jitter, got %v", d)
	}

	b.rand = func(n int64) int64 { return 0 }
	if got := b.Delay(3); got != 800*time.Millisecond {
		t.Errorf("Expected 800ms for attempt 3, got %v", got)
	}
}

func TestBackoffEdgeCases(t *testing.T) {
	if d := NewBackoff(0, time.Second, 0).Delay(5); d != 0 {
		t.Errorf("Expected zero delay for zero base, got %v", d)
	}
	if d := NewBackoff(time.Second, 0, 0).Delay(3); d != time.Second {
		t.Errorf("Expected cap raised to base, got %v", d)
	}
	if d := NewBackoff(time.Second, 10*time.Second, 0).Delay(-1); d != time.Second {
		t.Errorf("Expected negative attempt treated as first, got %v", d)
	}
}
