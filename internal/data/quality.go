package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

// Issue types reported by QualityValidator.
const (
	IssueNoData           = "NO_DATA"
	IssueGap              = "GAP_DETECTED"
	IssueNonPositivePrice = "NON_POSITIVE_PRICE"
	IssueInvalidPrice     = "INVALID_PRICE"
	IssueExtremeMove      = "EXTREME_MOVE"
	IssueGapMove          = "GAP_MOVE"
	IssueZeroVolume       = "ZERO_VOLUME"
	IssueVolumeSpike      = "VOLUME_SPIKE"
	IssueOHLCInconsistent = "OHLC_INCONSISTENT"
	IssueDuplicate        = "DUPLICATE_TIMESTAMP"
	IssueOutOfOrder       = "OUT_OF_ORDER"
)

// Severities, most severe first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// QualityValidator checks historical bars before they become a series:
// missing sessions, impossible prices, volume anomalies, OHLC consistency,
// duplicates and ordering.
type QualityValidator struct {
	logger *zap.Logger

	MaxIntradayMove   float64 // max (high-low)/low, e.g. 0.20 for 20%
	MaxGapMove        float64 // max |open-prevClose|/prevClose
	MaxVolumeMultiple float64 // multiple of average volume flagged as a spike
	GapTolerance      float64 // multiple of the median spacing flagged as a gap
	MinScore          int     // lowest score still usable
}

// DataIssue represents a data quality problem
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Message   string    `json:"message"`
	BarIndex  int       `json:"barIndex"`
}

// QualityReport summarizes data quality assessment
type QualityReport struct {
	Symbol       string      `json:"symbol"`
	TotalBars    int         `json:"totalBars"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"qualityScore"` // 0-100
	IsUsable     bool        `json:"isUsable"`

	GapCount           int `json:"gapCount"`
	PriceAnomalyCount  int `json:"priceAnomalyCount"`
	VolumeAnomalyCount int `json:"volumeAnomalyCount"`
	OHLCErrorCount     int `json:"ohlcErrorCount"`

	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`

	Recommendations []string `json:"recommendations"`
}

// NewQualityValidator creates a validator with equity market defaults.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:            logger,
		MaxIntradayMove:   0.20, // circuit breaker band
		MaxGapMove:        0.15,
		MaxVolumeMultiple: 10.0,
		GapTolerance:      4.5, // a long weekend plus a holiday on daily bars
		MinScore:          70,
	}
}

// Validate runs all quality checks on bars.
func (v *QualityValidator) Validate(bars []types.Bar, symbol string) *QualityReport {
	if len(bars) == 0 {
		return &QualityReport{
			Symbol:          symbol,
			Issues:          []DataIssue{{Type: IssueNoData, Severity: SeverityCritical, Symbol: symbol, Message: "No data provided"}},
			Recommendations: []string{"Check the symbol, interval and date range"},
		}
	}

	var issues []DataIssue
	issues = append(issues, v.checkGaps(bars, symbol)...)
	issues = append(issues, v.checkPrices(bars, symbol)...)
	issues = append(issues, v.checkVolume(bars, symbol)...)
	issues = append(issues, v.checkOHLCConsistency(bars, symbol)...)
	issues = append(issues, v.checkDuplicates(bars, symbol)...)
	issues = append(issues, v.checkChronologicalOrder(bars, symbol)...)

	score := v.score(len(bars), issues)

	report := &QualityReport{
		Symbol:             symbol,
		TotalBars:          len(bars),
		Issues:             issues,
		QualityScore:       score,
		IsUsable:           score >= v.MinScore && !hasCritical(issues),
		GapCount:           countIssues(issues, IssueGap),
		PriceAnomalyCount:  countIssues(issues, IssueNonPositivePrice, IssueInvalidPrice, IssueExtremeMove, IssueGapMove),
		VolumeAnomalyCount: countIssues(issues, IssueZeroVolume, IssueVolumeSpike),
		OHLCErrorCount:     countIssues(issues, IssueOHLCInconsistent),
		StartDate:          bars[0].Timestamp,
		EndDate:            bars[len(bars)-1].Timestamp,
		Recommendations:    recommendations(issues, len(bars)),
	}

	if len(issues) > 0 {
		v.logger.Debug("Data quality issues found",
			zap.String("symbol", symbol),
			zap.Int("issues", len(issues)),
			zap.Int("score", score),
			zap.Bool("usable", report.IsUsable),
		)
	}

	return report
}

// checkGaps compares each spacing with the median of the first spacings.
func (v *QualityValidator) checkGaps(bars []types.Bar, symbol string) []DataIssue {
	if len(bars) < 3 {
		return nil
	}

	var intervals []time.Duration
	for i := 1; i < len(bars) && i <= 21; i++ {
		if d := bars[i].Timestamp.Sub(bars[i-1].Timestamp); d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return nil
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	expected := intervals[len(intervals)/2]
	limit := time.Duration(float64(expected) * v.GapTolerance)

	var issues []DataIssue
	for i := 1; i < len(bars); i++ {
		actual := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if actual <= limit {
			continue
		}
		severity := SeverityMedium
		if actual > limit*5 {
			severity = SeverityHigh
		}
		issues = append(issues, DataIssue{
			Type:      IssueGap,
			Severity:  severity,
			Timestamp: bars[i-1].Timestamp,
			Symbol:    symbol,
			Message:   fmt.Sprintf("Data gap of %s (expected ~%s)", actual, expected),
			BarIndex:  i - 1,
		})
	}
	return issues
}

func (v *QualityValidator) checkPrices(bars []types.Bar, symbol string) []DataIssue {
	var issues []DataIssue

	for i, bar := range bars {
		prices := [4]float64{bar.Open, bar.High, bar.Low, bar.Close}
		invalid, nonPositive := false, false
		for _, p := range prices {
			if math.IsNaN(p) || math.IsInf(p, 0) {
				invalid = true
			} else if p <= 0 {
				nonPositive = true
			}
		}
		if invalid {
			issues = append(issues, DataIssue{
				Type: IssueInvalidPrice, Severity: SeverityCritical, Timestamp: bar.Timestamp,
				Symbol: symbol, Message: "NaN or infinite price", BarIndex: i,
			})
			continue
		}
		if nonPositive {
			issues = append(issues, DataIssue{
				Type: IssueNonPositivePrice, Severity: SeverityCritical, Timestamp: bar.Timestamp,
				Symbol: symbol, Message: "Zero or negative price", BarIndex: i,
			})
			continue
		}

		if move := (bar.High - bar.Low) / bar.Low; move > v.MaxIntradayMove {
			issues = append(issues, DataIssue{
				Type:      IssueExtremeMove,
				Severity:  SeverityHigh,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   fmt.Sprintf("Extreme intraday move: %.2f%%", move*100),
				BarIndex:  i,
			})
		}

		if i > 0 && bars[i-1].Close > 0 {
			prev := bars[i-1].Close
			if move := math.Abs(bar.Open-prev) / prev; move > v.MaxGapMove {
				issues = append(issues, DataIssue{
					Type:      IssueGapMove,
					Severity:  SeverityMedium,
					Timestamp: bar.Timestamp,
					Symbol:    symbol,
					Message:   fmt.Sprintf("Large price gap: %.2f%%", move*100),
					BarIndex:  i,
				})
			}
		}
	}

	return issues
}

func (v *QualityValidator) checkVolume(bars []types.Bar, symbol string) []DataIssue {
	var total float64
	var nonZero int
	for _, bar := range bars {
		if bar.Volume > 0 {
			total += bar.Volume
			nonZero++
		}
	}
	// Indices and some feeds carry no volume at all.
	if nonZero == 0 {
		return nil
	}
	avg := total / float64(nonZero)

	var issues []DataIssue
	for i, bar := range bars {
		if bar.Volume <= 0 {
			issues = append(issues, DataIssue{
				Type: IssueZeroVolume, Severity: SeverityLow, Timestamp: bar.Timestamp,
				Symbol: symbol, Message: "Zero volume bar", BarIndex: i,
			})
			continue
		}
		if bar.Volume > avg*v.MaxVolumeMultiple {
			issues = append(issues, DataIssue{
				Type:      IssueVolumeSpike,
				Severity:  SeverityLow,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   fmt.Sprintf("Volume spike: %.0f (%.1fx average)", bar.Volume, bar.Volume/avg),
				BarIndex:  i,
			})
		}
	}
	return issues
}

// checkOHLCConsistency verifies Low <= Open, Close <= High.
func (v *QualityValidator) checkOHLCConsistency(bars []types.Bar, symbol string) []DataIssue {
	var issues []DataIssue

	for i, bar := range bars {
		if bar.High < bar.Open || bar.High < bar.Close || bar.High < bar.Low ||
			bar.Low > bar.Open || bar.Low > bar.Close {
			issues = append(issues, DataIssue{
				Type:      IssueOHLCInconsistent,
				Severity:  SeverityCritical,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   fmt.Sprintf("OHLC out of bounds (O:%g H:%g L:%g C:%g)", bar.Open, bar.High, bar.Low, bar.Close),
				BarIndex:  i,
			})
		}
	}

	return issues
}

func (v *QualityValidator) checkDuplicates(bars []types.Bar, symbol string) []DataIssue {
	var issues []DataIssue
	seen := make(map[int64]int)

	for i, bar := range bars {
		ts := bar.Timestamp.UnixNano()
		if first, exists := seen[ts]; exists {
			issues = append(issues, DataIssue{
				Type:      IssueDuplicate,
				Severity:  SeverityCritical,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   fmt.Sprintf("Duplicate timestamp (also at index %d)", first),
				BarIndex:  i,
			})
			continue
		}
		seen[ts] = i
	}

	return issues
}

func (v *QualityValidator) checkChronologicalOrder(bars []types.Bar, symbol string) []DataIssue {
	var issues []DataIssue

	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			issues = append(issues, DataIssue{
				Type:      IssueOutOfOrder,
				Severity:  SeverityCritical,
				Timestamp: bars[i].Timestamp,
				Symbol:    symbol,
				Message:   "Bar is out of chronological order",
				BarIndex:  i,
			})
		}
	}

	return issues
}

// score returns 0-100. Penalties are weighted by severity and normalized per
// hundred bars so long histories tolerate a few blemishes.
func (v *QualityValidator) score(totalBars int, issues []DataIssue) int {
	var penalty float64
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			penalty += 10
		case SeverityHigh:
			penalty += 5
		case SeverityMedium:
			penalty += 2
		case SeverityLow:
			penalty += 0.5
		}
	}

	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

// CleanData sorts bars, drops duplicates and non-positive or non-finite
// prices, and widens High/Low to cover Open and Close.
func (v *QualityValidator) CleanData(bars []types.Bar) []types.Bar {
	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sortBars(sorted)

	cleaned := make([]types.Bar, 0, len(sorted))
	seen := make(map[int64]bool)

	for _, bar := range sorted {
		ts := bar.Timestamp.UnixNano()
		if seen[ts] || bar.Timestamp.IsZero() {
			continue
		}

		valid := true
		for _, p := range [4]float64{bar.Open, bar.High, bar.Low, bar.Close} {
			if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
				valid = false
			}
		}
		if !valid {
			continue
		}
		seen[ts] = true

		bar.High = math.Max(bar.High, math.Max(bar.Open, bar.Close))
		bar.Low = math.Min(bar.Low, math.Min(bar.Open, bar.Close))
		if bar.Volume < 0 || math.IsNaN(bar.Volume) {
			bar.Volume = 0
		}
		cleaned = append(cleaned, bar)
	}

	v.logger.Info("Data cleaning complete",
		zap.Int("originalBars", len(bars)),
		zap.Int("cleanedBars", len(cleaned)),
		zap.Int("removed", len(bars)-len(cleaned)),
	)

	return cleaned
}

func hasCritical(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func countIssues(issues []DataIssue, kinds ...string) int {
	count := 0
	for _, issue := range issues {
		for _, k := range kinds {
			if issue.Type == k {
				count++
				break
			}
		}
	}
	return count
}

func recommendations(issues []DataIssue, totalBars int) []string {
	counts := make(map[string]int)
	for _, issue := range issues {
		counts[issue.Type]++
	}

	var recs []string
	if counts[IssueGap] > 0 {
		recs = append(recs, "Fill data gaps or exclude the affected periods")
	}
	if counts[IssueOHLCInconsistent] > 0 {
		recs = append(recs, "OHLC inconsistencies detected, verify the data source")
	}
	if counts[IssueExtremeMove] > totalBars/100 {
		recs = append(recs, "Many extreme price moves, check for unadjusted splits")
	}
	if counts[IssueZeroVolume] > totalBars/10 {
		recs = append(recs, "High proportion of zero volume bars, consider a more liquid instrument")
	}
	if counts[IssueDuplicate] > 0 {
		recs = append(recs, "Remove duplicate timestamps before backtesting")
	}
	if counts[IssueOutOfOrder] > 0 {
		recs = append(recs, "Sort data by timestamp before use")
	}
	if len(recs) == 0 {
		recs = append(recs, "Data quality is acceptable for backtesting")
	}
	return recs
}
