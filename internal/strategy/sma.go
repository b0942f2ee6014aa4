package strategy

import "github.com/atlas-desktop/paramsearch/pkg/types"

// Parameter names read by SMACrossover.
const (
	ParamShortWindow = "short_window"
	ParamLongWindow  = "long_window"
)

// SMACrossover signals when the short simple moving average crosses the long one.
type SMACrossover struct{}

func (g *SMACrossover) Kind() Kind { return KindSMA }

func (g *SMACrossover) Required() []string {
	return []string{ParamShortWindow, ParamLongWindow}
}

func (g *SMACrossover) Validate(p types.ParameterSet) error {
	_, _, err := g.windows(p)
	if err != nil {
		return err
	}
	_, err = allowShort(p)
	return err
}

func (g *SMACrossover) Lookback(p types.ParameterSet) (int, error) {
	_, long, err := g.windows(p)
	return long, err
}

func (g *SMACrossover) Compute(series *types.PriceSeries, p types.ParameterSet) ([]types.Signal, error) {
	if err := g.Validate(p); err != nil {
		return nil, err
	}
	if err := checkLength(g, series, p); err != nil {
		return nil, err
	}
	short, long, _ := g.windows(p)
	shorts, _ := allowShort(p)

	closes := series.Closes()
	return crossovers(SMA(closes, short), SMA(closes, long), shorts), nil
}

func (g *SMACrossover) windows(p types.ParameterSet) (int, int, error) {
	short, err := positiveInt(p, ParamShortWindow)
	if err != nil {
		return 0, 0, err
	}
	long, err := positiveInt(p, ParamLongWindow)
	if err != nil {
		return 0, 0, err
	}
	if long <= short {
		return 0, 0, types.NewConfigurationError(ParamLongWindow, "must exceed %s (%d <= %d)", ParamShortWindow, long, short)
	}
	return short, long, nil
}
