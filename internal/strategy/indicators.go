package strategy

import (
	"math"

	"github.com/atlas-desktop/paramsearch/pkg/types"
)

// SMA returns the simple moving average of values. The first window-1
// entries are NaN.
func SMA(values []float64, window int) []float64 {
	out := nanSlice(len(values))
	if window <= 0 {
		return out
	}
	start := firstDefined(values)
	if start < 0 {
		return out
	}

	var sum float64
	for i := start; i < len(values); i++ {
		sum += values[i]
		if i-start >= window {
			sum -= values[i-window]
		}
		if i-start >= window-1 {
			out[i] = sum / float64(window)
		}
	}
	return out
}

// EMA returns the exponential moving average with smoothing 2/(span+1),
// seeded with the simple average of the first span defined values. Leading
// NaNs in values are skipped.
func EMA(values []float64, span int) []float64 {
	out := nanSlice(len(values))
	if span <= 0 {
		return out
	}
	start := firstDefined(values)
	if start < 0 || start+span > len(values) {
		return out
	}

	var seed float64
	for i := start; i < start+span; i++ {
		seed += values[i]
	}
	prev := seed / float64(span)
	out[start+span-1] = prev

	alpha := 2.0 / float64(span+1)
	for i := start + span; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// MACDResult holds the three MACD series aligned with the input.
type MACDResult struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes the MACD line (fast EMA minus slow EMA), its signal EMA and
// the histogram. Values are NaN until each series is defined.
func MACD(values []float64, fast, slow, signal int) MACDResult {
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)

	line := nanSlice(len(values))
	for i := range values {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			line[i] = fastEMA[i] - slowEMA[i]
		}
	}

	sig := EMA(line, signal)
	hist := nanSlice(len(values))
	for i := range values {
		if !math.IsNaN(line[i]) && !math.IsNaN(sig[i]) {
			hist[i] = line[i] - sig[i]
		}
	}
	return MACDResult{Line: line, Signal: sig, Histogram: hist}
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|). The first
// bar has no previous close and uses high-low.
func TrueRange(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		tr := b.High - b.Low
		if i > 0 {
			prev := bars[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
		}
		out[i] = tr
	}
	return out
}

// ATR is the rolling mean of the true range over period bars.
func ATR(bars []types.Bar, period int) []float64 {
	return SMA(TrueRange(bars), period)
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func firstDefined(values []float64) int {
	for i, v := range values {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}
