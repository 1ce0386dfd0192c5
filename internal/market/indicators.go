package market

import (
	"math"
	"sort"

	"perp-breakout/pkg/types"
)

// ATR returns the average true range over the last period bars. True range
// accounts for gaps against the previous close. Returns 0 when fewer than
// period+1 candles are supplied.
func ATR(candles []types.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		tr := math.Max(candles[i].High-candles[i].Low,
			math.Max(math.Abs(candles[i].High-prevClose), math.Abs(candles[i].Low-prevClose)))
		sum += tr
	}
	return sum / float64(period)
}

// ATRPercent returns ATR as a percentage of the latest close.
func ATRPercent(candles []types.Candle, period int) float64 {
	if len(candles) == 0 {
		return 0
	}
	last := candles[len(candles)-1].Close
	if last <= 0 {
		return 0
	}
	return ATR(candles, period) / last * 100
}

// VWAP returns the volume-weighted average price over the supplied candles
// using the typical price (H+L+C)/3 per bar. Returns 0 when total volume
// is zero.
func VWAP(candles []types.Candle) float64 {
	var pv, vol float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// BBWidthPct returns the Bollinger band width as a percentage of the middle
// band: (upper − lower) / middle × 100 with bands at mult standard
// deviations around the period SMA of closes.
func BBWidthPct(candles []types.Candle, period int, mult float64) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	closes := make([]float64, 0, period)
	for i := len(candles) - period; i < len(candles); i++ {
		closes = append(closes, candles[i].Close)
	}
	mid := Mean(closes)
	if mid == 0 {
		return 0
	}
	sd := StdDev(closes)
	return (2 * mult * sd) / mid * 100
}

// Closes extracts the close series from a candle slice.
func Closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Returns converts a price series into simple per-step returns. The result
// has len(prices)-1 entries; steps with a zero starting price yield 0.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		out[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
	}
	return out
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Median returns the middle value of xs without mutating it. Even-length
// input averages the two central values.
func Median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, xs)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// StdDev returns the population standard deviation, 0 when fewer than two
// samples are supplied.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := Mean(xs)
	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(xs)))
}

// Correlation returns the Pearson correlation coefficient of two series of
// equal length, clamped to [-1,1]. Degenerate inputs (short, mismatched, or
// zero-variance) return 0.
func Correlation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	ma, mb := Mean(a), Mean(b)
	var cov, va, vb float64
	for i := range a {
		da := a[i] - ma
		db := b[i] - mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0
	}
	r := cov / math.Sqrt(va*vb)
	return math.Max(-1, math.Min(1, r))
}
