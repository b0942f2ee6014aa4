package strategy

import (
	"math"

	"github.com/atlas-desktop/paramsearch/pkg/types"
)

const (
	ParamATRPeriod     = "atr_period"
	ParamATRMultiplier = "atr_multiplier"
)

// ATRBreakout enters long when the close clears the previous high by
// multiplier*ATR, and turns bearish when it breaks the previous low by the same
// margin.
type ATRBreakout struct{}

func (g *ATRBreakout) Kind() Kind { return KindATR }

func (g *ATRBreakout) Required() []string {
	return []string{ParamATRPeriod, ParamATRMultiplier}
}

func (g *ATRBreakout) Validate(p types.ParameterSet) error {
	if _, _, err := g.settings(p); err != nil {
		return err
	}
	_, err := allowShort(p)
	return err
}

func (g *ATRBreakout) Lookback(p types.ParameterSet) (int, error) {
	period, _, err := g.settings(p)
	if err != nil {
		return 0, err
	}
	// the breakout compares against the previous bar
	if period < 2 {
		return 2, nil
	}
	return period, nil
}

func (g *ATRBreakout) Compute(series *types.PriceSeries, p types.ParameterSet) ([]types.Signal, error) {
	if err := g.Validate(p); err != nil {
		return nil, err
	}
	if err := checkLength(g, series, p); err != nil {
		return nil, err
	}
	period, mult, _ := g.settings(p)
	shorts, _ := allowShort(p)

	bars := series.Bars()
	atr := ATR(bars, period)
	signals := make([]types.Signal, len(bars))
	for t := 1; t < len(bars); t++ {
		if math.IsNaN(atr[t]) {
			continue
		}
		band := mult * atr[t]
		switch {
		case bars[t].Close > bars[t-1].High+band:
			signals[t] = types.SignalEnterLong
		case bars[t].Close < bars[t-1].Low-band:
			signals[t] = bearish(shorts)
		}
	}
	return signals, nil
}

func (g *ATRBreakout) settings(p types.ParameterSet) (int, float64, error) {
	period, err := positiveInt(p, ParamATRPeriod)
	if err != nil {
		return 0, 0, err
	}
	mult, err := p.Float(ParamATRMultiplier)
	if err != nil {
		return 0, 0, err
	}
	if mult < 0 {
		return 0, 0, types.NewConfigurationError(ParamATRMultiplier, "must be non-negative, got %v", mult)
	}
	return period, mult, nil
}
