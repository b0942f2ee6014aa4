package data_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/data"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

func countType(report *data.QualityReport, kind string) int {
	n := 0
	for _, issue := range report.Issues {
		if issue.Type == kind {
			n++
		}
	}
	return n
}

func TestQualityCleanDataIsUsable(t *testing.T) {
	v := data.NewQualityValidator(zap.NewNop())
	report := v.Validate(dailyBars(200), "TCS")

	if !report.IsUsable {
		t.Fatalf("Clean data rejected: score %d, issues %+v", report.QualityScore, report.Issues)
	}
	if report.QualityScore != 100 {
		t.Errorf("QualityScore = %d, want 100", report.QualityScore)
	}
	if report.TotalBars != 200 {
		t.Errorf("TotalBars = %d", report.TotalBars)
	}
}

func TestQualityFlagsStructuralProblems(t *testing.T) {
	bars := dailyBars(50)
	bars[10].High = bars[10].Low - 1        // OHLC inconsistent
	bars[20].Timestamp = bars[19].Timestamp // duplicate
	bars[30].Close = 0                      // non-positive
	bars[40].Open = math.NaN()              // invalid

	v := data.NewQualityValidator(zap.NewNop())
	report := v.Validate(bars, "TCS")

	if report.IsUsable {
		t.Error("Data with critical issues marked usable")
	}
	for _, kind := range []string{data.IssueOHLCInconsistent, data.IssueDuplicate, data.IssueNonPositivePrice, data.IssueInvalidPrice} {
		if countType(report, kind) == 0 {
			t.Errorf("missing %s issue", kind)
		}
	}
}

func TestQualityFlagsGapsAndOrder(t *testing.T) {
	bars := dailyBars(40)
	for i := 25; i < len(bars); i++ {
		bars[i].Timestamp = bars[i].Timestamp.AddDate(0, 0, 30)
	}
	bars[5], bars[6] = bars[6], bars[5]

	v := data.NewQualityValidator(zap.NewNop())
	report := v.Validate(bars, "TCS")

	if report.GapCount != 1 {
		t.Errorf("GapCount = %d, want 1", report.GapCount)
	}
	if countType(report, data.IssueOutOfOrder) != 1 {
		t.Errorf("expected one out-of-order bar, got %d", countType(report, data.IssueOutOfOrder))
	}
}

func TestQualityNoData(t *testing.T) {
	v := data.NewQualityValidator(zap.NewNop())
	report := v.Validate(nil, "TCS")
	if report.IsUsable || countType(report, data.IssueNoData) != 1 {
		t.Errorf("empty input: %+v", report)
	}
}

func TestCleanDataRepairs(t *testing.T) {
	bars := dailyBars(10)
	bars[2].High = bars[2].Open - 5
	bars[4].Close = -1
	bars = append(bars, bars[7])
	bars[0], bars[3] = bars[3], bars[0]

	v := data.NewQualityValidator(zap.NewNop())
	cleaned := v.CleanData(bars)

	if len(cleaned) != 9 {
		t.Fatalf("cleaned to %d bars, want 9", len(cleaned))
	}
	if _, err := types.NewPriceSeries("X", types.Interval1d, cleaned); err != nil {
		t.Errorf("cleaned bars do not form a series: %v", err)
	}
	report := v.Validate(cleaned, "X")
	if report.OHLCErrorCount != 0 {
		t.Errorf("OHLC errors remain after cleaning: %d", report.OHLCErrorCount)
	}
}

type staticSource []types.Bar

func (s staticSource) LoadBars(context.Context, string, time.Time, time.Time, types.Interval) ([]types.Bar, error) {
	return s, nil
}

func TestLoaderCleansOrRejects(t *testing.T) {
	bars := dailyBars(30)
	bars[3], bars[4] = bars[4], bars[3]

	strict := data.NewLoader(zap.NewNop(), staticSource(bars), nil, false)
	if _, _, err := strict.Load(context.Background(), "X", time.Time{}, time.Time{}, types.Interval1d); err == nil {
		t.Error("Expected strict loader to reject out-of-order data")
	}

	lenient := data.NewLoader(zap.NewNop(), staticSource(bars), nil, true)
	series, report, err := lenient.Load(context.Background(), "X", time.Time{}, time.Time{}, types.Interval1d)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if series.Len() != 30 {
		t.Errorf("series has %d bars, want 30", series.Len())
	}
	if report == nil || countType(report, data.IssueOutOfOrder) != 0 {
		t.Errorf("report after cleaning: %+v", report)
	}
}
