package backtester

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
)

// ViabilityThresholds are the minimum requirements a parameter set must meet
// before it is worth paper trading.
type ViabilityThresholds struct {
	MinSharpeRatio  float64 `json:"minSharpeRatio" mapstructure:"min_sharpe_ratio"`
	MaxDrawdown     float64 `json:"maxDrawdown" mapstructure:"max_drawdown"`
	MinProfitFactor float64 `json:"minProfitFactor" mapstructure:"min_profit_factor"`
	MinWinRate      float64 `json:"minWinRate" mapstructure:"min_win_rate"`
	MinTrades       int     `json:"minTrades" mapstructure:"min_trades"`

	MaxVaR95        float64 `json:"maxVar95" mapstructure:"max_var95"`
	MinSortinoRatio float64 `json:"minSortinoRatio" mapstructure:"min_sortino_ratio"`
	MinCalmarRatio  float64 `json:"minCalmarRatio" mapstructure:"min_calmar_ratio"`

	MinExpectancy     float64 `json:"minExpectancy" mapstructure:"min_expectancy"`
	MinRecoveryFactor float64 `json:"minRecoveryFactor" mapstructure:"min_recovery_factor"`

	// Walk-forward requirements
	MinWFConsistency float64 `json:"minWfConsistency" mapstructure:"min_wf_consistency"` // share of profitable OOS windows
	MinWFSharpe      float64 `json:"minWfSharpe" mapstructure:"min_wf_sharpe"`

	MaxRuinProbability float64 `json:"maxRuinProbability" mapstructure:"max_ruin_probability"`
}

// DefaultViabilityThresholds returns conservative default thresholds
func DefaultViabilityThresholds() *ViabilityThresholds {
	return &ViabilityThresholds{
		MinSharpeRatio:     0.5,
		MaxDrawdown:        0.20,
		MinProfitFactor:    1.5,
		MinWinRate:         0.40,
		MinTrades:          30,
		MaxVaR95:           0.05,
		MinSortinoRatio:    0.8,
		MinCalmarRatio:     0.5,
		MinExpectancy:      0,
		MinRecoveryFactor:  1.0,
		MinWFConsistency:   0.60,
		MinWFSharpe:        0.3,
		MaxRuinProbability: 0.05,
	}
}

// Issue severities.
const (
	ViabilityCritical = "critical"
	ViabilityWarning  = "warning"
	ViabilityInfo     = "info"
)

// ViabilityIssue represents a specific problem with the parameter set
type ViabilityIssue struct {
	Metric      string  `json:"metric"`
	Actual      float64 `json:"actual"`
	Required    float64 `json:"required"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	Suggestion  string  `json:"suggestion"`
}

// ViabilityReport contains the full viability assessment
type ViabilityReport struct {
	IsViable  bool             `json:"isViable"`
	Score     int              `json:"score"` // 0-100
	Grade     string           `json:"grade"` // A, B, C, D, F
	Issues    []ViabilityIssue `json:"issues"`
	Strengths []string         `json:"strengths"`
	Summary   string           `json:"summary"`

	ReturnScore      int `json:"returnScore"`
	RiskScore        int `json:"riskScore"`
	ConsistencyScore int `json:"consistencyScore"`
	RobustnessScore  int `json:"robustnessScore"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// ViabilityInput bundles what is known about one parameter set. Only Metrics
// is required.
type ViabilityInput struct {
	Metrics     types.Metrics
	Risk        *types.RiskMetrics
	WalkForward *types.WalkForwardReport
	MonteCarlo  *types.MonteCarloResult
}

// ViabilityChecker grades a parameter set from its metrics.
type ViabilityChecker struct {
	thresholds *ViabilityThresholds
}

// NewViabilityChecker creates a new viability checker
func NewViabilityChecker(thresholds *ViabilityThresholds) *ViabilityChecker {
	if thresholds == nil {
		thresholds = DefaultViabilityThresholds()
	}
	return &ViabilityChecker{thresholds: thresholds}
}

// Check grades in. Undefined metrics are skipped rather than failed.
func (vc *ViabilityChecker) Check(in ViabilityInput) *ViabilityReport {
	report := &ViabilityReport{
		Issues:      make([]ViabilityIssue, 0),
		Strengths:   make([]string, 0),
		GeneratedAt: time.Now(),
	}
	m := in.Metrics
	t := vc.thresholds

	vc.below(report, "Sharpe Ratio", m.SharpeRatio, t.MinSharpeRatio, 0,
		"Risk-adjusted return is below threshold",
		"Consider reducing trade frequency or improving entry signals")
	if m.SharpeRatio.Defined() && m.SharpeRatio > 1.5 {
		report.Strengths = append(report.Strengths, "Excellent risk-adjusted returns (Sharpe > 1.5)")
	}

	if m.MaxDrawdown.Defined() {
		dd := float64(m.MaxDrawdown)
		if dd > t.MaxDrawdown {
			severity := ViabilityWarning
			if dd > 0.30 {
				severity = ViabilityCritical
			}
			report.Issues = append(report.Issues, ViabilityIssue{
				Metric:      "Max Drawdown",
				Actual:      dd,
				Required:    t.MaxDrawdown,
				Severity:    severity,
				Description: "Maximum drawdown exceeds acceptable level",
				Suggestion:  "Consider tighter stop losses or smaller position sizes",
			})
		} else if dd < 0.10 {
			report.Strengths = append(report.Strengths, "Low drawdown risk (< 10%)")
		}
	}

	vc.below(report, "Profit Factor", m.ProfitFactor, t.MinProfitFactor, 1,
		"Profit factor is below threshold",
		"Focus on improving win size or reducing loss size")
	if m.ProfitFactor.Defined() && m.ProfitFactor > 2 {
		report.Strengths = append(report.Strengths, "Strong profit factor (> 2.0)")
	}

	vc.below(report, "Win Rate", m.WinRate, t.MinWinRate, 0.30,
		"Win rate is below threshold",
		"Consider stricter entry criteria or better market filtering")
	if m.WinRate.Defined() && m.WinRate > 0.60 {
		report.Strengths = append(report.Strengths, "High win rate (> 60%)")
	}

	if m.TotalTrades < t.MinTrades {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:      "Trade Count",
			Actual:      float64(m.TotalTrades),
			Required:    float64(t.MinTrades),
			Severity:    ViabilityWarning,
			Description: "Insufficient trades for statistical significance",
			Suggestion:  "Extend the backtest period or widen the entry filters",
		})
	}

	if in.Risk != nil && in.Risk.VaR95.Defined() && float64(in.Risk.VaR95) > t.MaxVaR95 {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:      "VaR 95%",
			Actual:      float64(in.Risk.VaR95),
			Required:    t.MaxVaR95,
			Severity:    ViabilityWarning,
			Description: "Per-period Value at Risk exceeds acceptable level",
			Suggestion:  "Reduce position sizes or use tighter stops",
		})
	}

	vc.belowInfo(report, "Sortino Ratio", m.SortinoRatio, t.MinSortinoRatio,
		"Downside risk-adjusted return could be better",
		"Focus on reducing losing trade sizes")
	if m.SortinoRatio.Defined() && m.SortinoRatio > 2 {
		report.Strengths = append(report.Strengths, "Excellent downside protection (Sortino > 2.0)")
	}
	vc.belowInfo(report, "Calmar Ratio", m.CalmarRatio, t.MinCalmarRatio,
		"Return relative to drawdown could be better",
		"Improve returns or reduce maximum drawdown")

	if m.Expectancy.Defined() && float64(m.Expectancy) <= t.MinExpectancy {
		severity := ViabilityWarning
		if m.Expectancy < 0 {
			severity = ViabilityCritical
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:      "Expectancy",
			Actual:      float64(m.Expectancy),
			Required:    t.MinExpectancy,
			Severity:    severity,
			Description: "Expected value per trade is too low or negative",
			Suggestion:  "The signal needs fundamental improvement",
		})
	}

	if m.TotalReturn.Defined() && m.MaxDrawdown.Defined() && m.MaxDrawdown > 0 {
		recovery := float64(m.TotalReturn / m.MaxDrawdown)
		if recovery < t.MinRecoveryFactor {
			report.Issues = append(report.Issues, ViabilityIssue{
				Metric:      "Recovery Factor",
				Actual:      recovery,
				Required:    t.MinRecoveryFactor,
				Severity:    ViabilityInfo,
				Description: "Returns don't justify the drawdown risk",
				Suggestion:  "Consider if the risk is worth the potential reward",
			})
		}
	}

	consistency, wfSharpe, windows := walkForwardConsistency(in.WalkForward)
	if windows > 0 {
		if consistency < t.MinWFConsistency {
			report.Issues = append(report.Issues, ViabilityIssue{
				Metric:      "Walk-Forward Consistency",
				Actual:      consistency,
				Required:    t.MinWFConsistency,
				Severity:    ViabilityWarning,
				Description: "Parameters are inconsistent across time periods",
				Suggestion:  "The chosen parameters may be overfit to specific market conditions",
			})
		} else {
			report.Strengths = append(report.Strengths, "Consistent out-of-sample performance")
		}
		if !math.IsNaN(wfSharpe) && wfSharpe < t.MinWFSharpe {
			report.Issues = append(report.Issues, ViabilityIssue{
				Metric:      "Walk-Forward Sharpe",
				Actual:      wfSharpe,
				Required:    t.MinWFSharpe,
				Severity:    ViabilityWarning,
				Description: "Out-of-sample Sharpe ratio is low",
				Suggestion:  "Live results may be worse than the backtest suggests",
			})
		}
	}

	if in.MonteCarlo != nil && in.MonteCarlo.ProbabilityRuin.Defined() {
		ruin := float64(in.MonteCarlo.ProbabilityRuin)
		if ruin > t.MaxRuinProbability {
			severity := ViabilityWarning
			if ruin > 2*t.MaxRuinProbability {
				severity = ViabilityCritical
			}
			report.Issues = append(report.Issues, ViabilityIssue{
				Metric:      "Probability of Ruin",
				Actual:      ruin,
				Required:    t.MaxRuinProbability,
				Severity:    severity,
				Description: "Resampled trade sequences hit the ruin threshold too often",
				Suggestion:  "Reduce position size",
			})
		}
	}

	report.ReturnScore = returnScore(m)
	report.RiskScore = riskScore(m, in.Risk)
	report.ConsistencyScore = consistencyScore(m)
	report.RobustnessScore = 50
	if windows > 0 {
		report.RobustnessScore = int(consistency * 100)
	}

	report.Score = (report.ReturnScore*30 + report.RiskScore*30 +
		report.ConsistencyScore*20 + report.RobustnessScore*20) / 100
	report.Grade = scoreToGrade(report.Score)
	report.IsViable = !hasCritical(report.Issues) && report.Score >= 60
	report.Summary = summary(report)

	return report
}

func (vc *ViabilityChecker) below(report *ViabilityReport, metric string, actual types.Float, required, critical float64, desc, suggestion string) {
	if !actual.Defined() || float64(actual) >= required {
		return
	}
	severity := ViabilityWarning
	if float64(actual) < critical {
		severity = ViabilityCritical
	}
	report.Issues = append(report.Issues, ViabilityIssue{
		Metric:      metric,
		Actual:      float64(actual),
		Required:    required,
		Severity:    severity,
		Description: desc,
		Suggestion:  suggestion,
	})
}

func (vc *ViabilityChecker) belowInfo(report *ViabilityReport, metric string, actual types.Float, required float64, desc, suggestion string) {
	if !actual.Defined() || float64(actual) >= required {
		return
	}
	report.Issues = append(report.Issues, ViabilityIssue{
		Metric:      metric,
		Actual:      float64(actual),
		Required:    required,
		Severity:    ViabilityInfo,
		Description: desc,
		Suggestion:  suggestion,
	})
}

// walkForwardConsistency returns the share of completed windows with a
// positive out-of-sample return and their mean defined Sharpe ratio.
func walkForwardConsistency(wf *types.WalkForwardReport) (consistency, sharpe float64, windows int) {
	if wf == nil {
		return 0, math.NaN(), 0
	}
	profitable, sharpeN := 0, 0
	sharpeSum := 0.0
	for _, w := range wf.Windows {
		if w.Skipped || w.OutOfSample == nil {
			continue
		}
		windows++
		if w.OutOfSample.Metrics.TotalReturn.Defined() && w.OutOfSample.Metrics.TotalReturn > 0 {
			profitable++
		}
		if w.OutOfSample.Metrics.SharpeRatio.Defined() {
			sharpeSum += float64(w.OutOfSample.Metrics.SharpeRatio)
			sharpeN++
		}
	}
	if windows == 0 {
		return 0, math.NaN(), 0
	}
	sharpe = math.NaN()
	if sharpeN > 0 {
		sharpe = sharpeSum / float64(sharpeN)
	}
	return float64(profitable) / float64(windows), sharpe, windows
}

func returnScore(m types.Metrics) int {
	score := 50
	if m.SharpeRatio.Defined() && m.SharpeRatio > 0 {
		score += int(math.Min(30, float64(m.SharpeRatio)*20))
	} else {
		score -= 20
	}
	if m.SortinoRatio.Defined() && m.SortinoRatio > 0 {
		score += int(math.Min(20, float64(m.SortinoRatio)*10))
	}
	return clamp(score, 0, 100)
}

func riskScore(m types.Metrics, risk *types.RiskMetrics) int {
	score := 100
	if m.MaxDrawdown.Defined() {
		score -= int(float64(m.MaxDrawdown) * 200)
	}
	if risk != nil && risk.VaR95.Defined() {
		score -= int(float64(risk.VaR95) * 300)
	}
	return clamp(score, 0, 100)
}

func consistencyScore(m types.Metrics) int {
	score := 0
	if m.WinRate.Defined() {
		score += int(float64(m.WinRate) * 60)
	}
	if m.ProfitFactor.Defined() && m.ProfitFactor > 1 {
		score += int(math.Min(40, (float64(m.ProfitFactor)-1)*20))
	}
	switch {
	case m.TotalTrades >= 100:
		score += 20
	case m.TotalTrades >= 50:
		score += 15
	case m.TotalTrades >= 30:
		score += 10
	}
	return clamp(score, 0, 100)
}

func scoreToGrade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func hasCritical(issues []ViabilityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == ViabilityCritical {
			return true
		}
	}
	return false
}

func summary(report *ViabilityReport) string {
	if !report.IsViable {
		critical := 0
		for _, issue := range report.Issues {
			if issue.Severity == ViabilityCritical {
				critical++
			}
		}
		if critical > 0 {
			return fmt.Sprintf("Not viable: %d critical issues must be addressed.", critical)
		}
		return "Does not meet minimum viability requirements."
	}

	switch report.Grade {
	case "A":
		return "Excellent risk-adjusted returns and consistency. Ready for paper trading."
	case "B":
		return "Acceptable metrics. Paper trade before live deployment."
	case "C":
		return "Adequate but monitor closely. Address warnings before scaling up."
	default:
		return "Marginally viable. Significant improvements recommended before trading."
	}
}

func clamp(value, minVal, maxVal int) int {
	if value < minVal {
		return minVal
	}
	if value > maxVal {
		return maxVal
	}
	return value
}
