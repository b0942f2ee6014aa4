package strategy

import "github.com/atlas-desktop/paramsearch/pkg/types"

const (
	ParamFastPeriod   = "fast_period"
	ParamSlowPeriod   = "slow_period"
	ParamSignalPeriod = "signal_period"
)

// MACDCrossover signals when the MACD line crosses its signal line.
// Periods default to 12/26/9 when absent.
type MACDCrossover struct{}

func (g *MACDCrossover) Kind() Kind { return KindMACD }

func (g *MACDCrossover) Required() []string {
	return []string{ParamFastPeriod, ParamSlowPeriod, ParamSignalPeriod}
}

func (g *MACDCrossover) Validate(p types.ParameterSet) error {
	if _, _, _, err := g.periods(p); err != nil {
		return err
	}
	_, err := allowShort(p)
	return err
}

// Lookback is slow+signal-1: the signal line needs signal defined MACD values,
// the first of which appears at bar slow-1.
func (g *MACDCrossover) Lookback(p types.ParameterSet) (int, error) {
	_, slow, signal, err := g.periods(p)
	if err != nil {
		return 0, err
	}
	return slow + signal - 1, nil
}

func (g *MACDCrossover) Compute(series *types.PriceSeries, p types.ParameterSet) ([]types.Signal, error) {
	if err := g.Validate(p); err != nil {
		return nil, err
	}
	if err := checkLength(g, series, p); err != nil {
		return nil, err
	}
	fast, slow, signal, _ := g.periods(p)
	shorts, _ := allowShort(p)

	m := MACD(series.Closes(), fast, slow, signal)
	return crossovers(m.Line, m.Signal, shorts), nil
}

func (g *MACDCrossover) periods(p types.ParameterSet) (fast, slow, signal int, err error) {
	if fast, err = p.IntOr(ParamFastPeriod, 12); err != nil {
		return
	}
	if slow, err = p.IntOr(ParamSlowPeriod, 26); err != nil {
		return
	}
	if signal, err = p.IntOr(ParamSignalPeriod, 9); err != nil {
		return
	}
	switch {
	case fast < 1:
		err = types.NewConfigurationError(ParamFastPeriod, "must be >= 1, got %d", fast)
	case signal < 1:
		err = types.NewConfigurationError(ParamSignalPeriod, "must be >= 1, got %d", signal)
	case slow <= fast:
		err = types.NewConfigurationError(ParamSlowPeriod, "must exceed %s (%d <= %d)", ParamFastPeriod, slow, fast)
	}
	return
}
