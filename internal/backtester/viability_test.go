package backtester_test

import (
	"testing"

	"github.com/atlas-desktop/paramsearch/internal/backtester"
	"github.com/atlas-desktop/paramsearch/pkg/types"
)

func strongMetrics() types.Metrics {
	return types.Metrics{
		TotalReturn:  0.4,
		SharpeRatio:  2,
		SortinoRatio: 2.5,
		MaxDrawdown:  0.05,
		CalmarRatio:  3,
		WinRate:      0.65,
		ProfitFactor: 2.5,
		Expectancy:   50,
		TotalTrades:  120,
	}
}

func hasIssue(r *backtester.ViabilityReport, metric, severity string) bool {
	for _, issue := range r.Issues {
		if issue.Metric == metric && issue.Severity == severity {
			return true
		}
	}
	return false
}

func TestViabilityStrongCandidate(t *testing.T) {
	vc := backtester.NewViabilityChecker(nil)
	r := vc.Check(backtester.ViabilityInput{Metrics: strongMetrics()})

	if len(r.Issues) != 0 {
		t.Errorf("unexpected issues: %+v", r.Issues)
	}
	if r.Score != 84 || r.Grade != "B" || !r.IsViable {
		t.Errorf("score %d grade %s viable %v, want 84 B true", r.Score, r.Grade, r.IsViable)
	}
	if len(r.Strengths) == 0 {
		t.Error("Expected strengths for a strong candidate")
	}
}

func TestViabilityNegativeSharpeIsCritical(t *testing.T) {
	m := strongMetrics()
	m.SharpeRatio = -0.5
	r := backtester.NewViabilityChecker(nil).Check(backtester.ViabilityInput{Metrics: m})

	if !hasIssue(r, "Sharpe Ratio", backtester.ViabilityCritical) {
		t.Errorf("issues = %+v", r.Issues)
	}
	if r.IsViable {
		t.Error("Critical issues must make the candidate non-viable")
	}
}

func TestViabilitySkipsUndefinedMetrics(t *testing.T) {
	m := types.Metrics{
		TotalReturn:  types.NaN(),
		SharpeRatio:  types.NaN(),
		SortinoRatio: types.NaN(),
		MaxDrawdown:  types.NaN(),
		CalmarRatio:  types.NaN(),
		WinRate:      types.NaN(),
		ProfitFactor: types.NaN(),
		Expectancy:   types.NaN(),
	}
	r := backtester.NewViabilityChecker(nil).Check(backtester.ViabilityInput{Metrics: m})

	if len(r.Issues) != 1 || r.Issues[0].Metric != "Trade Count" {
		t.Errorf("issues = %+v, want only the trade count", r.Issues)
	}
	if r.IsViable || r.Grade != "F" {
		t.Errorf("grade %s viable %v", r.Grade, r.IsViable)
	}
}

func TestViabilityWalkForwardAndRuin(t *testing.T) {
	win := types.CandidateResult{Metrics: types.Metrics{TotalReturn: 0.05, SharpeRatio: 1}}
	loss := types.CandidateResult{Metrics: types.Metrics{TotalReturn: -0.02, SharpeRatio: -0.6}}
	wf := &types.WalkForwardReport{Windows: []types.WindowResult{
		{Index: 0, OutOfSample: &win},
		{Index: 1, OutOfSample: &loss},
		{Index: 2, Skipped: true},
	}}
	mc := &types.MonteCarloResult{Iterations: 100, ProbabilityRuin: 0.2}

	r := backtester.NewViabilityChecker(nil).Check(backtester.ViabilityInput{
		Metrics:     strongMetrics(),
		WalkForward: wf,
		MonteCarlo:  mc,
	})

	if !hasIssue(r, "Walk-Forward Consistency", backtester.ViabilityWarning) {
		t.Error("Expected a consistency warning for one profitable window in two")
	}
	if !hasIssue(r, "Walk-Forward Sharpe", backtester.ViabilityWarning) {
		t.Error("Expected a walk-forward Sharpe warning for mean 0.2")
	}
	if !hasIssue(r, "Probability of Ruin", backtester.ViabilityCritical) {
		t.Error("Expected a critical ruin issue")
	}
	if r.RobustnessScore != 50 || r.IsViable {
		t.Errorf("robustness %d viable %v", r.RobustnessScore, r.IsViable)
	}
}
