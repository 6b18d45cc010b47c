package ta

import (
	"math"

	"marketfeed/internal/types"
)

// Summary describes the tail of a candle series. Fields are NaN when the series
// is shorter than the period they need.
type Summary struct {
	Count     int
	LastClose float64
	SMA       float64
	RSI       float64
	ATR       float64
	BandUpper float64
	BandLower float64
}

// Summarize computes the standard indicators over the last period candles.
func Summarize(candles []types.Candle, period int) Summary {
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i], highs[i], lows[i] = c.Close, c.High, c.Low
	}

	s := Summary{Count: len(candles), LastClose: math.NaN()}
	if len(closes) > 0 {
		s.LastClose = closes[len(closes)-1]
	}
	s.SMA, s.BandUpper, s.BandLower = Bollinger(closes, period, 2)
	s.RSI = RSI(closes, period)
	s.ATR = ATR(highs, lows, closes, period)
	return s
}

func SMA(closes []float64, n int) float64 {
	if len(closes) < n || n <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range closes[len(closes)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// RSI uses simple averages of gains and losses, not Wilder smoothing.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 || period <= 0 {
		return math.NaN()
	}
	gain, loss := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		return 100.0
	}
	return 100.0 - (100.0 / (1.0 + gain/loss))
}

func StdDev(vals []float64, n int) float64 {
	m := SMA(vals, n)
	if math.IsNaN(m) {
		return m
	}
	s := 0.0
	for _, v := range vals[len(vals)-n:] {
		s += (v - m) * (v - m)
	}
	return math.Sqrt(s / float64(n))
}

func Bollinger(closes []float64, n int, k float64) (mid, up, low float64) {
	mid = SMA(closes, n)
	sd := StdDev(closes, n)
	return mid, mid + k*sd, mid - k*sd
}

func ATR(highs, lows, closes []float64, period int) float64 {
	if len(highs) != len(lows) || len(lows) != len(closes) {
		return math.NaN()
	}
	if period <= 0 || len(closes) < period+1 {
		return math.NaN()
	}
	sum := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		tr := math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
		sum += tr
	}
	return sum / float64(period)
}
