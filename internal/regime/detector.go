// Package regime splits a price series into market regimes.
// Each fixed window of bars is labelled bull, bear or sideways from its
// volatility-normalized trend. Neighbouring windows with the same label are
// merged and segments shorter than MinBars are folded into a neighbour.
package regime

import (
	"math"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

// Type names a market regime.
type Type string

const (
	Bull     Type = "bull"     // Uptrend
	Bear     Type = "bear"     // Downtrend
	Sideways Type = "sideways" // No clear trend
	HighVol  Type = "high_vol" // High volatility
	LowVol   Type = "low_vol"  // Low volatility
)

// Segment is a contiguous bar range [Start, End) in one regime.
type Segment struct {
	Regime    Type      `json:"regime"`
	Secondary Type      `json:"secondary,omitempty"` // HighVol, LowVol or empty
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Bars      int       `json:"bars"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	Trend         float64 `json:"trend"`         // -1 to 1
	Volatility    float64 `json:"volatility"`    // annualized
	MeanReversion float64 `json:"meanReversion"` // lag-1 autocorrelation
	Return        float64 `json:"return"`        // buy and hold over the segment
}

// Config configures the regime detector
type Config struct {
	WindowBars     int     `json:"windowBars" mapstructure:"window_bars"`         // Bars per classification window
	MinBars        int     `json:"minBars" mapstructure:"min_bars"`               // Shorter segments are merged away
	TrendThreshold float64 `json:"trendThreshold" mapstructure:"trend_threshold"` // |trend| above this is bull or bear
	VolThreshold   float64 `json:"volThreshold" mapstructure:"vol_threshold"`     // Annualized vol above this is high
	PeriodsPerYear int     `json:"periodsPerYear" mapstructure:"periods_per_year"`
}

// DefaultConfig returns sensible defaults for daily bars.
func DefaultConfig() *Config {
	return &Config{
		WindowBars:     63,
		MinBars:        50,
		TrendThreshold: 0.3,
		VolThreshold:   0.25,
		PeriodsPerYear: 252,
	}
}

// Detector labels bar ranges by regime. It keeps no state between calls.
type Detector struct {
	logger *zap.Logger
	config *Config
}

// NewDetector creates a new regime detector
func NewDetector(logger *zap.Logger, config *Config) *Detector {
	d := DefaultConfig()
	if config == nil {
		config = d
	}
	c := *config
	if c.WindowBars <= 1 {
		c.WindowBars = d.WindowBars
	}
	if c.MinBars <= 0 {
		c.MinBars = d.MinBars
	}
	if c.TrendThreshold <= 0 {
		c.TrendThreshold = d.TrendThreshold
	}
	if c.VolThreshold <= 0 {
		c.VolThreshold = d.VolThreshold
	}
	if c.PeriodsPerYear <= 0 {
		c.PeriodsPerYear = d.PeriodsPerYear
	}
	return &Detector{logger: logger, config: &c}
}

// Config returns the detector settings.
func (rd *Detector) Config() Config { return *rd.config }

// Detect splits series into regime segments covering every bar in order.
// A series shorter than two bars has no segments.
func (rd *Detector) Detect(series *types.PriceSeries) []Segment {
	n := series.Len()
	if n < 2 {
		return nil
	}
	closes := series.Closes()

	var segs []Segment
	for start := 0; start < n; start += rd.config.WindowBars {
		end := start + rd.config.WindowBars
		if end > n {
			end = n
		}
		segs = append(segs, rd.measure(closes, start, end))
	}
	segs = rd.consolidate(closes, segs)

	for i := range segs {
		segs[i].StartTime = series.Bar(segs[i].Start).Timestamp
		segs[i].EndTime = series.Bar(segs[i].End - 1).Timestamp
	}

	rd.logger.Debug("Regimes detected",
		zap.String("symbol", series.Symbol()),
		zap.Int("bars", n),
		zap.Int("segments", len(segs)),
	)
	return segs
}

// consolidate merges neighbours that share a label, then folds segments
// shorter than MinBars into the previous one (the next one for the first).
// Every merge removes a segment, so the loop ends.
func (rd *Detector) consolidate(closes []float64, segs []Segment) []Segment {
	for len(segs) > 1 {
		i := rd.mergeTarget(segs)
		if i < 0 {
			break
		}
		merged := rd.measure(closes, segs[i].Start, segs[i+1].End)
		segs = append(segs[:i+1], segs[i+2:]...)
		segs[i] = merged
	}
	return segs
}

// mergeTarget returns i such that segments i and i+1 should merge, or -1.
func (rd *Detector) mergeTarget(segs []Segment) int {
	for i := 0; i+1 < len(segs); i++ {
		if segs[i].Regime == segs[i+1].Regime {
			return i
		}
	}
	for i, s := range segs {
		if s.Bars < rd.config.MinBars {
			if i == 0 {
				return 0
			}
			return i - 1
		}
	}
	return -1
}

// measure computes the statistics and labels of closes[start:end]. The
// first return of a later segment is taken from the bar before it.
func (rd *Detector) measure(closes []float64, start, end int) Segment {
	from := start
	if from == 0 {
		from = 1
	}
	returns := make([]float64, 0, end-from)
	for i := from; i < end; i++ {
		if closes[i-1] != 0 {
			returns = append(returns, closes[i]/closes[i-1]-1)
		}
	}

	trend := calculateTrend(returns)
	vol := calculateVolatility(returns) * math.Sqrt(float64(rd.config.PeriodsPerYear))

	seg := Segment{
		Regime:        rd.classifyRegime(trend),
		Secondary:     rd.classifySecondary(vol),
		Start:         start,
		End:           end,
		Bars:          end - start,
		Trend:         trend,
		Volatility:    vol,
		MeanReversion: calculateMeanReversion(returns),
	}
	if closes[start] != 0 {
		seg.Return = closes[end-1]/closes[start] - 1
	}
	return seg
}

func (rd *Detector) classifyRegime(trend float64) Type {
	switch {
	case trend > rd.config.TrendThreshold:
		return Bull
	case trend < -rd.config.TrendThreshold:
		return Bear
	}
	return Sideways
}

func (rd *Detector) classifySecondary(vol float64) Type {
	switch {
	case vol > rd.config.VolThreshold:
		return HighVol
	case vol < rd.config.VolThreshold/2:
		return LowVol
	}
	return ""
}

// calculateTrend is the sum of returns over their volatility scaled by
// sqrt(n), clamped to [-1, 1].
func calculateTrend(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	sum := 0.0
	for _, r := range returns {
		sum += r
	}

	vol := calculateVolatility(returns)
	if vol == 0 {
		switch {
		case sum > 0:
			return 1
		case sum < 0:
			return -1
		}
		return 0
	}

	trend := sum / (vol * math.Sqrt(float64(len(returns))))
	return math.Max(-1, math.Min(1, trend))
}

// calculateVolatility calculates sample standard deviation
func calculateVolatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance)
}

// calculateMeanReversion calculates lag-1 autocorrelation (negative = mean reverting)
func calculateMeanReversion(returns []float64) float64 {
	n := len(returns)
	if n < 3 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	autocovariance := 0.0
	variance := 0.0
	for i := 1; i < n; i++ {
		autocovariance += (returns[i] - mean) * (returns[i-1] - mean)
		variance += (returns[i] - mean) * (returns[i] - mean)
	}

	if variance == 0 {
		return 0
	}
	return autocovariance / variance
}
