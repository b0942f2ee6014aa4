package optimization_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/paramsearch/internal/regime"
	"github.com/atlas-desktop/paramsearch/internal/strategy"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

func smaParams(short, long float64) types.ParameterSet {
	return types.ParameterSet{
		strategy.ParamShortWindow:  types.Num(short),
		strategy.ParamLongWindow:   types.Num(long),
		types.ParamPositionSizePct: types.Num(10),
	}
}

func TestRegimeAnalysis(t *testing.T) {
	series := randomWalk(t, 600, 21)
	segments := regime.NewDetector(zap.NewNop(), &regime.Config{WindowBars: 60, MinBars: 40}).Detect(series)
	if len(segments) == 0 {
		t.Fatal("no regimes detected")
	}
	// a segment shorter than the long window cannot be replayed
	segments = append(segments, regime.Segment{Regime: regime.Sideways, Start: 0, End: 10, Bars: 10})

	opt := newOptimizer(t, nil)
	params := smaParams(5, 20)
	results, err := opt.RegimeAnalysis(context.Background(), series, params, segments)
	if err != nil {
		t.Fatalf("RegimeAnalysis failed: %v", err)
	}
	if len(results) != len(segments) {
		t.Fatalf("got %d results for %d segments", len(results), len(segments))
	}

	for i, r := range results[:len(results)-1] {
		if r.Skipped != "" || r.Metrics == nil {
			t.Errorf("regime %d (%d bars) skipped: %s", i, r.Bars, r.Skipped)
			continue
		}
		sub, err := series.Slice(r.Start, r.End)
		if err != nil {
			t.Fatalf("Slice failed: %v", err)
		}
		direct, err := opt.Evaluator().Evaluate(sub, params)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if direct.Metrics.TotalTrades != r.Metrics.TotalTrades || direct.Objective.IsNaN() != r.Objective.IsNaN() {
			t.Errorf("regime %d differs from a direct evaluation", i)
		}
		if r.Regime != segments[i].Regime {
			t.Errorf("regime %d label %s, want %s", i, r.Regime, segments[i].Regime)
		}
	}

	last := results[len(results)-1]
	if last.Skipped == "" || last.Metrics != nil || !last.Objective.IsNaN() {
		t.Errorf("short segment should be skipped, got %+v", last)
	}
}

func TestReplayKeepsOrderAndErrors(t *testing.T) {
	series := randomWalk(t, 120, 22)
	sets := []types.ParameterSet{smaParams(5, 20), smaParams(10, 200), smaParams(8, 30)}

	results, err := newOptimizer(t, nil).Replay(context.Background(), series, sets)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.Params.Key() != sets[i].Key() {
			t.Errorf("result %d is %s, want %s", i, r.Params.Key(), sets[i].Key())
		}
	}
	if results[0].Error != "" || results[0].Metrics == nil {
		t.Errorf("first set failed: %s", results[0].Error)
	}
	if results[1].Error == "" || results[1].Metrics != nil {
		t.Error("a 200-bar window on 120 bars should fail")
	}
}
