package ta

import (
	"math"
	"testing"

	"marketfeed/internal/types"
)

func TestSMAAndStdDev(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5}
	if got := SMA(vals, 3); got != 4 {
		t.Errorf("Expected SMA 4, got %v", got)
	}
	if !math.IsNaN(SMA(vals, 6)) {
		t.Error("Expected NaN for short series")
	}
	if got := StdDev([]float64{2, 4}, 2); got != 1 {
		t.Errorf("Expected stddev 1, got %v", got)
	}
}

func TestRSI(t *testing.T) {
	if got := RSI([]float64{1, 2, 3, 4}, 3); got != 100 {
		t.Errorf("Expected 100 for only gains, got %v", got)
	}
	// gains 2, losses 2
	if got := RSI([]float64{10, 12, 10}, 2); math.Abs(got-50) > 1e-9 {
		t.Errorf("Expected 50, got %v", got)
	}
}

func TestATR(t *testing.T) {
	highs := []float64{10, 12, 13}
	lows := []float64{9, 10, 11}
	closes := []float64{9.5, 11, 12}
	// true ranges: max(2, 2.5, 0.5)=2.5 and max(2, 2, 0)=2
	if got := ATR(highs, lows, closes, 2); math.Abs(got-2.25) > 1e-9 {
		t.Errorf("Expected 2.25, got %v", got)
	}
	if !math.IsNaN(ATR(highs, lows[:2], closes, 2)) {
		t.Error("Expected NaN for mismatched inputs")
	}
}

func TestSummarize(t *testing.T) {
	var candles []types.Candle
	for i := 0; i < 5; i++ {
		c := float64(100 + i)
		candles = append(candles, types.Candle{Open: c, High: c + 1, Low: c - 1, Close: c})
	}

	s := Summarize(candles, 3)
	if s.Count != 5 || s.LastClose != 104 || s.SMA != 103 {
		t.Errorf("Unexpected summary %+v", s)
	}
	if s.RSI != 100 || !(s.BandUpper > s.SMA && s.BandLower < s.SMA) {
		t.Errorf("Unexpected indicators %+v", s)
	}

	empty := Summarize(nil, 3)
	if empty.Count != 0 || !math.IsNaN(empty.LastClose) || !math.IsNaN(empty.SMA) {
		t.Errorf("Expected NaN summary, got %+v", empty)
	}
}
