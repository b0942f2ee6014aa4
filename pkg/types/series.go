package types

import (
	"fmt"
	"math"
	"time"
)

// Interval is the bar spacing of a series.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
)

// Duration returns the nominal bar spacing, or 0 for an unknown interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval1d:
		return 24 * time.Hour
	}
	return 0
}

// Bar is one OHLCV sample.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// PriceSeries is an immutable, strictly time-ordered sequence of bars for a
// single instrument. It is safe for concurrent readers.
type PriceSeries struct {
	symbol   string
	interval Interval
	bars     []Bar
}

// NewPriceSeries validates and copies bars into a new series.
func NewPriceSeries(symbol string, interval Interval, bars []Bar) (*PriceSeries, error) {
	cp := make([]Bar, len(bars))
	copy(cp, bars)

	for i, b := range cp {
		if b.Timestamp.IsZero() {
			return nil, fmt.Errorf("bar %d: zero timestamp", i)
		}
		for _, v := range [4]float64{b.Open, b.High, b.Low, b.Close} {
			if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("bar %d at %s: invalid price %v", i, b.Timestamp.Format(time.RFC3339), v)
			}
		}
		if i > 0 && !b.Timestamp.After(cp[i-1].Timestamp) {
			return nil, fmt.Errorf("bar %d at %s: timestamps must be strictly increasing", i, b.Timestamp.Format(time.RFC3339))
		}
	}

	return &PriceSeries{symbol: symbol, interval: interval, bars: cp}, nil
}

// Symbol returns the instrument symbol.
func (s *PriceSeries) Symbol() string { return s.symbol }

// Interval returns the bar interval.
func (s *PriceSeries) Interval() Interval { return s.interval }

// Len returns the number of bars.
func (s *PriceSeries) Len() int { return len(s.bars) }

// Bar returns the i-th bar.
func (s *PriceSeries) Bar(i int) Bar { return s.bars[i] }

// Bars returns a copy of all bars.
func (s *PriceSeries) Bars() []Bar {
	cp := make([]Bar, len(s.bars))
	copy(cp, s.bars)
	return cp
}

// Closes returns the close prices as a new slice.
func (s *PriceSeries) Closes() []float64 {
	out := make([]float64, len(s.bars))
	for i, b := range s.bars {
		out[i] = b.Close
	}
	return out
}

// Start returns the first bar's timestamp.
func (s *PriceSeries) Start() time.Time {
	if len(s.bars) == 0 {
		return time.Time{}
	}
	return s.bars[0].Timestamp
}

// End returns the last bar's timestamp.
func (s *PriceSeries) End() time.Time {
	if len(s.bars) == 0 {
		return time.Time{}
	}
	return s.bars[len(s.bars)-1].Timestamp
}

// Slice returns the half-open bar range [from, to) as a series that shares
// storage with s. Both remain read-only.
func (s *PriceSeries) Slice(from, to int) (*PriceSeries, error) {
	if from < 0 || to > len(s.bars) || from > to {
		return nil, fmt.Errorf("slice [%d,%d) out of range for %d bars", from, to, len(s.bars))
	}
	return &PriceSeries{
		symbol:   s.symbol,
		interval: s.interval,
		bars:     s.bars[from:to:to],
	}, nil
}
