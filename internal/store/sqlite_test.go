package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/store"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func candidate(id string, short, long float64, objective types.Float) types.CandidateResult {
	return types.CandidateResult{
		ID: id,
		Params: types.ParameterSet{
			"short_window": types.Num(short),
			"long_window":  types.Num(long),
			"mode":         types.Text("DELIVERY"),
		},
		Metrics: types.Metrics{
			TotalReturn:  0.12,
			SharpeRatio:  1.4,
			WinRate:      types.NaN(),
			ProfitFactor: types.NaN(),
			TotalTrades:  7,
		},
		Objective: objective,
	}
}

func TestSearchRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	report := &types.SearchReport{
		ID:        "run-1",
		Mode:      types.SearchGrid,
		Objective: "sharpe",
		Results: []types.CandidateResult{
			candidate("c1", 10, 50, 1.4),
			candidate("c2", 5, 20, 0.9),
			candidate("c3", 20, 100, types.NaN()),
		},
		SpaceSize: 12,
		Evaluated: 11,
		StartedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Duration:  2 * time.Second,
	}

	if err := s.SaveSearch(ctx, "RELIANCE", types.Interval1d, report); err != nil {
		t.Fatalf("SaveSearch failed: %v", err)
	}

	got, err := s.ListCandidates(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3", len(got))
	}
	for i, c := range got {
		if c.ID != report.Results[i].ID {
			t.Errorf("rank %d = %s, want %s", i+1, c.ID, report.Results[i].ID)
		}
		if c.Params.Key() != report.Results[i].Params.Key() {
			t.Errorf("params %s, want %s", c.Params.Key(), report.Results[i].Params.Key())
		}
	}
	if got[0].Objective != 1.4 || got[0].Metrics.TotalTrades != 7 {
		t.Errorf("candidate 1 = %+v", got[0])
	}
	if !got[2].Objective.IsNaN() {
		t.Errorf("undefined objective read back as %v", got[2].Objective)
	}
	if !got[0].Metrics.WinRate.IsNaN() || !got[0].Metrics.ProfitFactor.IsNaN() {
		t.Error("NaN metrics should survive the round trip")
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Kind != store.KindSearch || run.Symbol != "RELIANCE" || !run.StartedAt.Equal(report.StartedAt) || run.Duration != 2*time.Second {
		t.Errorf("run = %+v", run)
	}
}

func TestWalkForwardRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	is := candidate("w0-is", 10, 50, 0.3)
	oos := candidate("w0-oos", 10, 50, 0.1)
	report := &types.WalkForwardReport{
		ID:        "wf-1",
		Objective: "annualized_return",
		Windows: []types.WindowResult{
			{Index: 0, InSample: &is, OutOfSample: &oos, Degradation: types.Degradation{Objective: 0.2, Acceptable: true}, CandidatesTried: 11},
			{Index: 1, Skipped: true, SkipReason: "in-sample search produced no valid candidates"},
		},
		Completed:           1,
		Skipped:             1,
		MeanDegradation:     0.2,
		DegradationVariance: types.NaN(),
		Robustness:          1,
		Efficiency:          types.NaN(),
		Duration:            time.Second,
	}

	if err := s.SaveWalkForward(ctx, "TCS", types.Interval1d, types.SearchGrid, report); err != nil {
		t.Fatalf("SaveWalkForward failed: %v", err)
	}

	windows, err := s.ListWindows(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ListWindows failed: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("got %d windows, want 2", len(windows))
	}
	if windows[0].InSample == nil || windows[0].InSample.Params.Key() != is.Params.Key() {
		t.Errorf("window 0 in-sample = %+v", windows[0].InSample)
	}
	if !windows[1].Skipped || windows[1].SkipReason == "" {
		t.Errorf("window 1 = %+v", windows[1])
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Kind != store.KindWalkForward || runs[0].Mode != "grid" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openStore(t)
	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, store.ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestDuplicateRunRejected(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	report := &types.SearchReport{ID: "dup", Mode: types.SearchGrid, Objective: "sharpe", StartedAt: time.Now()}

	if err := s.SaveSearch(ctx, "X", types.Interval1d, report); err != nil {
		t.Fatalf("first SaveSearch failed: %v", err)
	}
	if err := s.SaveSearch(ctx, "X", types.Interval1d, report); err == nil {
		t.Error("Expected error saving the same run twice")
	}
}
