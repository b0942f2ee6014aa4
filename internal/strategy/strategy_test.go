package strategy_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/strategy"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func flatBars(closes []float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{
			Timestamp: day0.AddDate(0, 0, i),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func randomWalk(t *testing.T, n int, seed int64) *types.PriceSeries {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	bars := make([]types.Bar, n)
	price := 100.0
	for i := range bars {
		open := price
		price *= 1 + (rng.Float64()-0.5)*0.04
		high := math.Max(open, price) * (1 + rng.Float64()*0.01)
		low := math.Min(open, price) * (1 - rng.Float64()*0.01)
		bars[i] = types.Bar{Timestamp: day0.AddDate(0, 0, i), Open: open, High: high, Low: low, Close: price, Volume: 1000}
	}
	series, err := types.NewPriceSeries("TEST", types.Interval1d, bars)
	if err != nil {
		t.Fatalf("Failed to build series: %v", err)
	}
	return series
}

func stepSeries(t *testing.T) *types.PriceSeries {
	t.Helper()
	closes := make([]float64, 30)
	for i := range closes {
		if i < 15 {
			closes[i] = 100
		} else {
			closes[i] = 120
		}
	}
	series, err := types.NewPriceSeries("STEP", types.Interval1d, flatBars(closes))
	if err != nil {
		t.Fatalf("Failed to build series: %v", err)
	}
	return series
}

func TestSMAUndefinedDuringWarmup(t *testing.T) {
	out := strategy.SMA([]float64{1, 2, 3, 4, 5}, 3)
	for i := 0; i < 2; i++ {
		if !math.IsNaN(out[i]) {
			t.Errorf("SMA[%d] = %v, want NaN", i, out[i])
		}
	}
	want := []float64{2, 3, 4}
	for i, w := range want {
		if out[i+2] != w {
			t.Errorf("SMA[%d] = %v, want %v", i+2, out[i+2], w)
		}
	}
}

func TestEMASeededWithSMA(t *testing.T) {
	out := strategy.EMA([]float64{2, 4, 6, 8}, 3)
	if !math.IsNaN(out[0]) || !math.IsNaN(out[1]) {
		t.Fatalf("EMA warmup should be NaN, got %v", out[:2])
	}
	if out[2] != 4 {
		t.Errorf("EMA seed = %v, want 4", out[2])
	}
	// alpha = 0.5
	if out[3] != 6 {
		t.Errorf("EMA[3] = %v, want 6", out[3])
	}
}

func TestMACDDefinedAfterLookback(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 100 + float64(i)
	}
	m := strategy.MACD(values, 12, 26, 9)
	if !math.IsNaN(m.Line[24]) || math.IsNaN(m.Line[25]) {
		t.Errorf("MACD line should first be defined at index 25")
	}
	if !math.IsNaN(m.Signal[32]) || math.IsNaN(m.Signal[33]) {
		t.Errorf("MACD signal should first be defined at index 33")
	}
}

func TestTrueRangeUsesPreviousClose(t *testing.T) {
	bars := []types.Bar{
		{Timestamp: day0, Open: 10, High: 11, Low: 9, Close: 10},
		{Timestamp: day0.AddDate(0, 0, 1), Open: 14, High: 15, Low: 14, Close: 14.5},
	}
	tr := strategy.TrueRange(bars)
	if tr[0] != 2 {
		t.Errorf("TR[0] = %v, want 2", tr[0])
	}
	if tr[1] != 5 {
		t.Errorf("TR[1] = %v, want 5 (gap from previous close)", tr[1])
	}
}

func TestStepSeriesEmitsSingleLongEntry(t *testing.T) {
	series := stepSeries(t)
	g := &strategy.SMACrossover{}
	params := types.ParameterSet{
		strategy.ParamShortWindow: types.Num(3),
		strategy.ParamLongWindow:  types.Num(10),
	}

	signals, err := g.Compute(series, params)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	entries := 0
	for i, s := range signals {
		switch s {
		case types.SignalEnterLong:
			entries++
			if i != 15 {
				t.Errorf("ENTER_LONG at bar %d, want 15", i)
			}
		case types.SignalHold:
		default:
			t.Errorf("unexpected %s at bar %d", s, i)
		}
	}
	if entries != 1 {
		t.Errorf("Expected exactly 1 ENTER_LONG, got %d", entries)
	}
}

func TestCrossoverTieIsNotASignal(t *testing.T) {
	// fast == slow on every bar once both are defined
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 50
	}
	series, err := types.NewPriceSeries("FLAT", types.Interval1d, flatBars(closes))
	if err != nil {
		t.Fatalf("Failed to build series: %v", err)
	}
	signals, err := (&strategy.SMACrossover{}).Compute(series, types.ParameterSet{
		strategy.ParamShortWindow: types.Num(2),
		strategy.ParamLongWindow:  types.Num(5),
	})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	for i, s := range signals {
		if s != types.SignalHold {
			t.Errorf("bar %d: got %s on a flat series", i, s)
		}
	}
}

func TestNoLookAhead(t *testing.T) {
	series := randomWalk(t, 150, 7)

	cases := []struct {
		name   string
		gen    strategy.Generator
		params types.ParameterSet
	}{
		{"sma", &strategy.SMACrossover{}, types.ParameterSet{
			strategy.ParamShortWindow: types.Num(5),
			strategy.ParamLongWindow:  types.Num(20),
			types.ParamAllowShort:     types.Num(1),
		}},
		{"macd", &strategy.MACDCrossover{}, types.ParameterSet{
			strategy.ParamFastPeriod:   types.Num(12),
			strategy.ParamSlowPeriod:   types.Num(26),
			strategy.ParamSignalPeriod: types.Num(9),
		}},
		{"atr", &strategy.ATRBreakout{}, types.ParameterSet{
			strategy.ParamATRPeriod:     types.Num(14),
			strategy.ParamATRMultiplier: types.Num(0.2),
			types.ParamAllowShort:       types.Num(1),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			full, err := tc.gen.Compute(series, tc.params)
			if err != nil {
				t.Fatalf("Compute failed: %v", err)
			}
			lookback, _ := tc.gen.Lookback(tc.params)
			for end := lookback; end <= series.Len(); end += 7 {
				prefix, err := series.Slice(0, end)
				if err != nil {
					t.Fatalf("Slice failed: %v", err)
				}
				partial, err := tc.gen.Compute(prefix, tc.params)
				if err != nil {
					t.Fatalf("Compute on prefix %d failed: %v", end, err)
				}
				for i := range partial {
					if partial[i] != full[i] {
						t.Fatalf("signal at bar %d changed when truncating to %d bars: %s vs %s", i, end, partial[i], full[i])
					}
				}
			}
		})
	}
}

func TestWindowLongerThanSeriesIsConfigurationError(t *testing.T) {
	series := stepSeries(t)
	_, err := (&strategy.SMACrossover{}).Compute(series, types.ParameterSet{
		strategy.ParamShortWindow: types.Num(5),
		strategy.ParamLongWindow:  types.Num(50),
	})
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}

func TestStructuralConstraintRejected(t *testing.T) {
	err := (&strategy.SMACrossover{}).Validate(types.ParameterSet{
		strategy.ParamShortWindow: types.Num(20),
		strategy.ParamLongWindow:  types.Num(10),
	})
	var cfgErr *types.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected *ConfigurationError, got %v", err)
	}
	if cfgErr.Param != strategy.ParamLongWindow {
		t.Errorf("Param = %q, want %q", cfgErr.Param, strategy.ParamLongWindow)
	}
}

func TestRebalanceSignals(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 200
	}
	series, err := types.NewPriceSeries("DIXON", types.Interval1d, flatBars(closes))
	if err != nil {
		t.Fatalf("Failed to build series: %v", err)
	}

	gen := strategy.NewRebalanceFrontRun([]strategy.RebalanceEvent{
		{Symbol: "DIXON", Announcement: day0.AddDate(0, 0, 5), Effective: day0.AddDate(0, 0, 20), Direction: strategy.RebalanceAdd, EstimatedFlowCr: 800},
		{Symbol: "OTHER", Announcement: day0.AddDate(0, 0, 5), Effective: day0.AddDate(0, 0, 20), Direction: strategy.RebalanceAdd, EstimatedFlowCr: 800},
		{Symbol: "DIXON", Announcement: day0.AddDate(0, 0, 25), Effective: day0.AddDate(0, 0, 30), Direction: strategy.RebalanceRemove, EstimatedFlowCr: 50},
	})

	signals, err := gen.Compute(series, types.ParameterSet{
		strategy.ParamEntryDaysPostAnnouncement: types.Num(2),
		strategy.ParamExitDaysPostEffective:     types.Num(3),
		strategy.ParamFlowFilterCr:              types.Num(100),
	})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if signals[7] != types.SignalEnterLong {
		t.Errorf("bar 7 = %s, want ENTER_LONG", signals[7])
	}
	if signals[23] != types.SignalExit {
		t.Errorf("bar 23 = %s, want EXIT", signals[23])
	}
	// the removal is below the flow filter
	for i := 24; i < len(signals); i++ {
		if signals[i] != types.SignalHold {
			t.Errorf("bar %d = %s, want HOLD", i, signals[i])
		}
	}
}

func TestRegistry(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	if got := len(r.List()); got != 3 {
		t.Fatalf("Expected 3 built-in generators, got %d", got)
	}
	if _, err := r.Get(strategy.KindRebalance); err == nil {
		t.Error("Expected error for unregistered rebalance generator")
	}
	r.Register(strategy.NewRebalanceFrontRun(nil))
	if _, err := r.Get(strategy.KindRebalance); err != nil {
		t.Errorf("Get after Register failed: %v", err)
	}

	if _, err := strategy.ParseKind("macd"); err != nil {
		t.Errorf("ParseKind(macd) failed: %v", err)
	}
}
