package config_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/config"
	"github.com/atlas-desktop/paramsearch/internal/strategy"
	"github.com/atlas-desktop/paramsearch/pkg/types"
)

const smaSpace = `
strategy: sma
symbol: RELIANCE
interval: 1d
start: 2022-01-01
end: "2023-12-31"
fixed:
  mode: DELIVERY
  position_size_pct: 10
  allow_short: false
parameters:
  short_window: {values: [5, 10, 20]}
  long_window: {min: 20, max: 60, step: 20, type: int}
`

func TestParseSpaceKeepsOrder(t *testing.T) {
	sf, err := config.ParseSpace([]byte(smaSpace))
	if err != nil {
		t.Fatalf("ParseSpace failed: %v", err)
	}

	if sf.Strategy != strategy.KindSMA || sf.Symbol != "RELIANCE" || sf.Interval != types.Interval1d {
		t.Errorf("header = %s %s %s", sf.Strategy, sf.Symbol, sf.Interval)
	}
	if !sf.Start.Equal(time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)) || sf.End.Year() != 2023 {
		t.Errorf("range = %v..%v", sf.Start, sf.End)
	}
	if len(sf.Parameters) != 2 || sf.Parameters[0].Name != "short_window" || sf.Parameters[1].Name != "long_window" {
		t.Fatalf("parameters = %+v", sf.Parameters)
	}
	if !sf.Parameters[1].Integer || sf.Parameters[1].Cardinality() != 3 {
		t.Errorf("long_window range = %+v", sf.Parameters[1])
	}
	if sf.Fixed["mode"].Text != "DELIVERY" || sf.Fixed["position_size_pct"].Num != 10 || sf.Fixed["allow_short"].Num != 0 {
		t.Errorf("fixed = %+v", sf.Fixed)
	}
}

func TestBuildAddsOrderingConstraint(t *testing.T) {
	sf, err := config.ParseSpace([]byte(smaSpace))
	if err != nil {
		t.Fatalf("ParseSpace failed: %v", err)
	}
	space, err := sf.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if space.Size() != 9 {
		t.Errorf("size = %d, want 9", space.Size())
	}
	// short 20 with long 20 is the only pair that breaks long > short.
	sets, filtered := space.Enumerate()
	if filtered != 1 || len(sets) != 8 {
		t.Errorf("enumerate = %d sets, %d filtered; want 8 and 1", len(sets), filtered)
	}
	for _, p := range sets {
		if p["mode"].Text != "DELIVERY" {
			t.Fatalf("fixed parameters missing from %s", p.Key())
		}
	}
}

func TestExplicitConstraintsAndJSON(t *testing.T) {
	sf, err := config.ParseSpace([]byte(`{"strategy": "MACD", "parameters": {"fast_period": {"values": [8, 12]}, "slow_period": {"values": [12, 26]}, "signal_period": {"values": [9]}}, "constraints": ["signal_period < slow_period"]}`))
	if err != nil {
		t.Fatalf("ParseSpace failed: %v", err)
	}
	if sf.Interval != types.Interval1d {
		t.Errorf("interval default = %s", sf.Interval)
	}
	space, err := sf.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(space.Constraints) != 2 {
		t.Errorf("constraints = %d, want declared plus slow > fast", len(space.Constraints))
	}
	sets, _ := space.Enumerate()
	if len(sets) != 3 {
		t.Errorf("got %d valid sets, want 3", len(sets))
	}
}

func TestParseRebalanceEvents(t *testing.T) {
	sf, err := config.ParseSpace([]byte(`
strategy: REBALANCE
symbol: DIXON
parameters:
  entry_days_post_announcement: {min: 0, max: 3, step: 1, type: int}
events:
  - symbol: DIXON
    announcement: "2023-08-22"
    effective: "2023-09-29"
    direction: ADD
    estimated_flow_cr: 850
`))
	if err != nil {
		t.Fatalf("ParseSpace failed: %v", err)
	}
	if len(sf.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(sf.Events))
	}
	ev := sf.Events[0]
	if ev.Direction != strategy.RebalanceAdd || ev.EstimatedFlowCr != 850 || ev.Effective.Month() != time.September {
		t.Errorf("event = %+v", ev)
	}
}

func TestParseCrossAssets(t *testing.T) {
	sf, err := config.ParseSpace([]byte(smaSpace + "cross_assets: [TCS, \" INFY \", \"\", TCS]\n"))
	if err != nil {
		t.Fatalf("ParseSpace failed: %v", err)
	}
	if len(sf.CrossAssets) != 2 || sf.CrossAssets[0] != "TCS" || sf.CrossAssets[1] != "INFY" {
		t.Errorf("CrossAssets = %q, want [TCS INFY]", sf.CrossAssets)
	}

	plain, err := config.ParseSpace([]byte(smaSpace))
	if err != nil {
		t.Fatalf("ParseSpace failed: %v", err)
	}
	if len(plain.CrossAssets) != 0 {
		t.Errorf("CrossAssets = %q, want none", plain.CrossAssets)
	}
}

func TestParseSpaceErrors(t *testing.T) {
	tests := map[string]string{
		"unknown strategy": "strategy: RSI\nparameters:\n  x: {values: [1]}\n",
		"no parameters":    "strategy: SMA\n",
		"list parameters":  "strategy: SMA\nparameters:\n  - short_window\n",
		"half range":       "strategy: SMA\nparameters:\n  short_window: {min: 1, max: 5}\n",
		"bad step":         "strategy: SMA\nparameters:\n  short_window: {min: 1, max: 5, step: 0}\n",
		"bad type":         "strategy: SMA\nparameters:\n  short_window: {min: 1, max: 5, step: 1, type: complex}\n",
		"bad date":         "strategy: SMA\nstart: yesterday\nparameters:\n  short_window: {values: [1]}\n",
		"bad direction":    "strategy: REBALANCE\nparameters:\n  flow_filter_cr: {values: [1]}\nevents:\n  - {symbol: X, announcement: 2023-01-01, effective: 2023-02-01, direction: up}\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := config.ParseSpace([]byte(body)); err == nil {
				t.Error("Expected parse error")
			}
		})
	}
}

func TestParseConstraintsRejectsOperators(t *testing.T) {
	if _, err := config.ParseConstraints([]string{"a >= b"}); err == nil {
		t.Error("Expected error for >=")
	}
	if _, err := config.ParseConstraints([]string{"a>b"}); err == nil {
		t.Error("Expected error for an unspaced expression")
	}
}
