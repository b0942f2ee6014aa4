package optimization_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/backtester"
	"github.com/atlas-desktop/paramsearch/internal/optimization"
	"github.com/atlas-desktop/paramsearch/internal/strategy"
	"github.com/atlas-desktop/paramsearch/internal/workers"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var day0 = time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)

func randomWalk(t *testing.T, n int, seed int64) *types.PriceSeries {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	bars := make([]types.Bar, n)
	price := 100.0
	for i := range bars {
		open := price
		price *= 1 + rng.NormFloat64()*0.015
		bars[i] = types.Bar{
			Timestamp: day0.AddDate(0, 0, i),
			Open:      open,
			High:      math.Max(open, price) * 1.005,
			Low:       math.Min(open, price) * 0.995,
			Close:     price,
			Volume:    1e5,
		}
	}
	series, err := types.NewPriceSeries("RW", types.Interval1d, bars)
	if err != nil {
		t.Fatalf("Failed to build series: %v", err)
	}
	return series
}

func newEvaluator(t *testing.T) *optimization.Evaluator {
	t.Helper()
	cfg := types.DefaultSimulationConfig()
	cfg.Location = "UTC"
	sim, err := backtester.NewSimulator(zap.NewNop(), cfg, backtester.NewPercentCost(decimal.NewFromInt(5), decimal.Zero))
	if err != nil {
		t.Fatalf("Failed to create simulator: %v", err)
	}
	return optimization.NewEvaluator(zap.NewNop(), &strategy.SMACrossover{}, sim,
		backtester.NewMetricsCalculator(nil), optimization.ObjectiveAnnualizedReturn)
}

func newOptimizer(t *testing.T, cfg *optimization.OptimizerConfig) *optimization.Optimizer {
	t.Helper()
	poolCfg := workers.DefaultPoolConfig("test")
	poolCfg.NumWorkers = 4
	pool := workers.NewPool(zap.NewNop(), poolCfg)
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return optimization.NewOptimizer(zap.NewNop(), cfg, newEvaluator(t), pool)
}

func seeded(seed int64) *optimization.OptimizerConfig {
	cfg := optimization.DefaultOptimizerConfig()
	cfg.Seed = seed
	return cfg
}

func TestGridSearchEvaluatesWholeSpace(t *testing.T) {
	series := randomWalk(t, 300, 1)
	space := smaSpace(t, []float64{5, 10, 20}, []float64{20, 50, 100, 200})

	report, err := newOptimizer(t, seeded(1)).Search(context.Background(), series, space, optimization.Budget{}, types.SearchGrid)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if report.SpaceSize != 12 {
		t.Errorf("SpaceSize = %d, want 12", report.SpaceSize)
	}
	if report.Filtered != 1 || report.Evaluated != 11 || report.Excluded != 0 {
		t.Errorf("filtered/evaluated/excluded = %d/%d/%d, want 1/11/0", report.Filtered, report.Evaluated, report.Excluded)
	}
	if report.Sampled || report.SamplingFraction != 1 {
		t.Errorf("full grid reported as sampled (%v, %v)", report.Sampled, report.SamplingFraction)
	}
	if len(report.Results) != 11 {
		t.Fatalf("got %d results, want 11", len(report.Results))
	}
	for i := 1; i < len(report.Results); i++ {
		prev, cur := report.Results[i-1].Objective, report.Results[i].Objective
		if prev.Defined() && cur.Defined() && cur > prev {
			t.Errorf("results not ranked: %v before %v", prev, cur)
		}
		if !prev.Defined() && cur.Defined() {
			t.Errorf("undefined objective ranked above %v", cur)
		}
	}
	if report.Results[0].Trades != nil {
		t.Error("trades should be dropped unless KeepTrades is set")
	}
}

func TestConfigurationErrorsAreExcluded(t *testing.T) {
	series := randomWalk(t, 300, 2)
	space := smaSpace(t, []float64{5, 10, 20}, []float64{20, 50, 400})

	report, err := newOptimizer(t, seeded(1)).Search(context.Background(), series, space, optimization.Budget{}, types.SearchGrid)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	// 20/20 is filtered; every long_window=400 exceeds the series
	if report.Filtered != 1 || report.Excluded != 3 || report.Evaluated != 5 {
		t.Errorf("filtered/excluded/evaluated = %d/%d/%d, want 1/3/5", report.Filtered, report.Excluded, report.Evaluated)
	}
	for _, r := range report.Results {
		if r.Params[strategy.ParamLongWindow].Num == 400 {
			t.Errorf("excluded set %s appears in results", r.Params.Key())
		}
	}
}

func TestGridSamplingReportsFraction(t *testing.T) {
	series := randomWalk(t, 300, 3)
	space := smaSpace(t, []float64{5, 10, 20}, []float64{20, 50, 100, 200})

	report, err := newOptimizer(t, seeded(7)).Search(context.Background(), series, space, optimization.Budget{MaxEvaluations: 5}, types.SearchGrid)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !report.Sampled {
		t.Fatal("expected sampled search")
	}
	if report.Evaluated != 5 {
		t.Errorf("Evaluated = %d, want 5", report.Evaluated)
	}
	want := float64(report.Evaluated+report.Filtered) / 12
	if math.Abs(report.SamplingFraction-want) > 1e-12 {
		t.Errorf("SamplingFraction = %v, want %v", report.SamplingFraction, want)
	}
}

func TestInsufficientDataAbortsSearch(t *testing.T) {
	series := randomWalk(t, 15, 4)
	space := smaSpace(t, []float64{5, 10}, []float64{20, 50})

	_, err := newOptimizer(t, nil).Search(context.Background(), series, space, optimization.Budget{}, types.SearchGrid)
	if !errors.Is(err, types.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	var ide *types.InsufficientDataError
	if !errors.As(err, &ide) || ide.Required != 20 || ide.Bars != 15 {
		t.Errorf("unexpected error detail: %+v", ide)
	}
}

func TestInsufficientDataUsesValidSetsOnly(t *testing.T) {
	series := randomWalk(t, 15, 4)
	// the lowest corner (20/10) breaks long > short; every valid set needs 40 bars
	space := smaSpace(t, []float64{20, 30}, []float64{10, 40})

	report, err := newOptimizer(t, nil).Search(context.Background(), series, space, optimization.Budget{}, types.SearchGrid)
	if !errors.Is(err, types.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v (report %+v)", err, report)
	}
	var ide *types.InsufficientDataError
	if !errors.As(err, &ide) || ide.Required != 40 || ide.Bars != 15 {
		t.Errorf("unexpected error detail: %+v", ide)
	}

	_, err = newOptimizer(t, seeded(3)).Search(context.Background(), series, space, optimization.Budget{}, types.SearchGenetic)
	if !errors.Is(err, types.ErrInsufficientData) {
		t.Errorf("genetic search: expected ErrInsufficientData, got %v", err)
	}
}

func TestMaxDurationReturnsBestSoFar(t *testing.T) {
	series := randomWalk(t, 2000, 12)
	space, err := optimization.NewParameterSpace(
		[]types.ParameterRange{
			{Name: strategy.ParamShortWindow, Min: 2, Max: 100, Step: 1, Integer: true},
			{Name: strategy.ParamLongWindow, Min: 10, Max: 400, Step: 1, Integer: true},
		},
		types.ParameterSet{types.ParamPositionSizePct: types.Num(10)},
		optimization.GreaterThan(strategy.ParamLongWindow, strategy.ParamShortWindow),
	)
	if err != nil {
		t.Fatalf("Failed to build space: %v", err)
	}

	start := time.Now()
	report, err := newOptimizer(t, seeded(1)).Search(context.Background(), series, space,
		optimization.Budget{MaxDuration: 300 * time.Millisecond}, types.SearchGrid)
	if err != nil {
		t.Fatalf("time-bounded search should not fail: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("search ran %v past a 300ms budget", elapsed)
	}
	if !report.BudgetExhausted {
		t.Error("expected BudgetExhausted")
	}
	if len(report.Results) == 0 {
		t.Fatal("expected partial results")
	}
	if report.Evaluated >= report.SpaceSize-report.Filtered {
		t.Errorf("Evaluated = %d, expected the budget to stop the grid early", report.Evaluated)
	}
	for i := 1; i < len(report.Results); i++ {
		prev, cur := report.Results[i-1].Objective, report.Results[i].Objective
		if prev.Defined() && cur.Defined() && cur > prev {
			t.Fatalf("results not ranked: %v before %v", prev, cur)
		}
	}
}

func TestCancelledSearchReturnsPartialReport(t *testing.T) {
	series := randomWalk(t, 300, 5)
	space := smaSpace(t, []float64{5, 10, 20}, []float64{20, 50, 100, 200})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newOptimizer(t, nil).Search(ctx, series, space, optimization.Budget{}, types.SearchGrid)
	if err != nil {
		t.Fatalf("cancelled search should not fail: %v", err)
	}
	if !report.BudgetExhausted {
		t.Error("expected BudgetExhausted")
	}
	if report.Evaluated > 11 {
		t.Errorf("Evaluated = %d exceeds space", report.Evaluated)
	}
}

func TestTopNTruncatesResults(t *testing.T) {
	series := randomWalk(t, 300, 6)
	space := smaSpace(t, []float64{5, 10, 20}, []float64{20, 50, 100, 200})

	cfg := seeded(1)
	cfg.TopN = 3
	cfg.KeepTrades = true
	report, err := newOptimizer(t, cfg).Search(context.Background(), series, space, optimization.Budget{}, types.SearchGrid)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(report.Results) != 3 {
		t.Errorf("got %d results, want 3", len(report.Results))
	}
	if report.Evaluated != 11 {
		t.Errorf("Evaluated = %d, want 11", report.Evaluated)
	}
}

func TestRankOrdering(t *testing.T) {
	mk := func(key string, obj types.Float, dd types.Float, trades int) types.CandidateResult {
		return types.CandidateResult{
			Params:    types.ParameterSet{"k": types.Text(key)},
			Objective: obj,
			Metrics:   types.Metrics{MaxDrawdown: dd, TotalTrades: trades},
		}
	}
	results := []types.CandidateResult{
		mk("nan", types.NaN(), 0, 0),
		mk("low", 0.05, 0.1, 3),
		mk("tie-deep", 0.2, 0.3, 3),
		mk("tie-shallow-busy", 0.2, 0.1, 9),
		mk("tie-shallow-quiet", 0.2, 0.1, 2),
	}

	optimization.Rank(results)

	want := []string{"tie-shallow-quiet", "tie-shallow-busy", "tie-deep", "low", "nan"}
	for i, w := range want {
		if got := results[i].Params["k"].Text; got != w {
			t.Errorf("rank %d = %s, want %s", i, got, w)
		}
	}
}

func TestEvaluationIsIdempotent(t *testing.T) {
	series := randomWalk(t, 250, 8)
	eval := newEvaluator(t)
	params := types.ParameterSet{
		strategy.ParamShortWindow:  types.Num(5),
		strategy.ParamLongWindow:   types.Num(20),
		types.ParamPositionSizePct: types.Num(20),
		types.ParamStopLossPct:     types.Num(3),
	}

	a, err := eval.Evaluate(series, params)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	b, err := eval.Evaluate(series, params)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	ma, _ := json.Marshal(a.Metrics)
	mb, _ := json.Marshal(b.Metrics)
	if string(ma) != string(mb) {
		t.Errorf("metrics differ:\n%s\n%s", ma, mb)
	}
	if len(a.Trades) != len(b.Trades) {
		t.Errorf("trade counts differ: %d vs %d", len(a.Trades), len(b.Trades))
	}
}

func TestGeneticSearchRespectsConstraints(t *testing.T) {
	series := randomWalk(t, 400, 9)
	space, err := optimization.NewParameterSpace(
		[]types.ParameterRange{
			{Name: strategy.ParamShortWindow, Min: 2, Max: 30, Step: 1, Integer: true},
			{Name: strategy.ParamLongWindow, Min: 10, Max: 120, Step: 5, Integer: true},
			{Name: types.ParamStopLossPct, Min: 0, Max: 10, Step: 1},
		},
		types.ParameterSet{types.ParamPositionSizePct: types.Num(10)},
		optimization.GreaterThan(strategy.ParamLongWindow, strategy.ParamShortWindow),
	)
	if err != nil {
		t.Fatalf("Failed to build space: %v", err)
	}

	cfg := seeded(42)
	cfg.Genetic.PopulationSize = 20
	cfg.Genetic.Generations = 6
	budget := optimization.Budget{MaxEvaluations: 80}

	report, err := newOptimizer(t, cfg).Search(context.Background(), series, space, budget, types.SearchGenetic)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if report.Evaluated+report.Excluded > budget.MaxEvaluations {
		t.Errorf("evaluated %d + excluded %d exceeds budget %d", report.Evaluated, report.Excluded, budget.MaxEvaluations)
	}
	if report.Generations < 1 {
		t.Errorf("Generations = %d", report.Generations)
	}
	seen := make(map[string]bool)
	for _, r := range report.Results {
		if !space.Satisfies(r.Params) {
			t.Errorf("result %s violates constraints", r.Params.Key())
		}
		if seen[r.Params.Key()] {
			t.Errorf("set %s evaluated twice", r.Params.Key())
		}
		seen[r.Params.Key()] = true
	}
}

func TestGeneticSearchIsDeterministicWithSeed(t *testing.T) {
	series := randomWalk(t, 300, 10)
	space := smaSpace(t, []float64{3, 5, 8, 10, 13, 20}, []float64{20, 30, 50, 80, 100})

	run := func() string {
		cfg := seeded(99)
		cfg.Genetic.PopulationSize = 10
		cfg.Genetic.Generations = 4
		report, err := newOptimizer(t, cfg).Search(context.Background(), series, space, optimization.Budget{}, types.SearchGenetic)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		best, ok := report.Best()
		if !ok {
			t.Fatal("no results")
		}
		return best.Params.Key()
	}

	if a, b := run(), run(); a != b {
		t.Errorf("same seed produced different winners: %s vs %s", a, b)
	}
}

func TestSensitivity(t *testing.T) {
	series := randomWalk(t, 300, 11)
	params := types.ParameterSet{
		strategy.ParamShortWindow:  types.Num(10),
		strategy.ParamLongWindow:   types.Num(40),
		types.ParamPositionSizePct: types.Num(10),
		types.ParamMode:            types.Text("DELIVERY"),
	}

	results, err := newOptimizer(t, nil).Sensitivity(context.Background(), series, params, 0.1)
	if err != nil {
		t.Fatalf("Sensitivity failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d parameters, want 3 numeric", len(results))
	}
	for _, r := range results {
		if r.Parameter == strategy.ParamShortWindow && (r.LowerValue != 9 || r.UpperValue != 11) {
			t.Errorf("short window nudged to %v/%v, want 9/11", r.LowerValue, r.UpperValue)
		}
		if r.Parameter == strategy.ParamLongWindow && (r.LowerValue != 36 || r.UpperValue != 44) {
			t.Errorf("long window nudged to %v/%v, want 36/44", r.LowerValue, r.UpperValue)
		}
	}
}
