package optimization

import (
	"context"
	"fmt"
	"math"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

// SensitivityResult is the objective response to nudging one parameter.
type SensitivityResult struct {
	Parameter      string      `json:"parameter"`
	BaseValue      float64     `json:"baseValue"`
	LowerValue     float64     `json:"lowerValue"`
	UpperValue     float64     `json:"upperValue"`
	BaseObjective  types.Float `json:"baseObjective"`
	LowerObjective types.Float `json:"lowerObjective"`
	UpperObjective types.Float `json:"upperObjective"`
	// Sensitivity is the mean |% change in objective| per 1% change in the
	// parameter over the defined sides.
	Sensitivity types.Float `json:"sensitivity"`
	IsRobust    bool        `json:"isRobust"` // below 0.5% per 1%
}

// Sensitivity re-evaluates params with each numeric parameter moved by
// ±delta (a fraction, default 0.1). Integer parameters move by at least one.
func (o *Optimizer) Sensitivity(ctx context.Context, series *types.PriceSeries, params types.ParameterSet, delta float64) ([]SensitivityResult, error) {
	if delta <= 0 {
		delta = 0.1
	}

	base, err := o.evaluator.Evaluate(series, params)
	if err != nil {
		return nil, fmt.Errorf("evaluating base parameters: %w", err)
	}

	var results []SensitivityResult
	var variants []types.ParameterSet
	for _, name := range params.Names() {
		v := params[name]
		if v.IsText() || v.Num == 0 {
			continue
		}

		lower, upper := v.Num*(1-delta), v.Num*(1+delta)
		if v.Num == math.Trunc(v.Num) {
			lower, upper = math.Round(lower), math.Round(upper)
			if lower == v.Num {
				lower--
			}
			if upper == v.Num {
				upper++
			}
		}

		results = append(results, SensitivityResult{
			Parameter:     name,
			BaseValue:     v.Num,
			LowerValue:    lower,
			UpperValue:    upper,
			BaseObjective: base.Objective,
		})
		variants = append(variants,
			params.With(name, types.Num(lower)),
			params.With(name, types.Num(upper)),
		)
	}

	batch, err := o.evaluateAll(ctx, series, variants)
	if err != nil {
		return nil, err
	}
	scored := make(map[string]types.Float, len(batch.results))
	for _, r := range batch.results {
		scored[r.Params.Key()] = r.Objective
	}
	lookup := func(p types.ParameterSet) types.Float {
		if f, ok := scored[p.Key()]; ok {
			return f
		}
		return types.NaN()
	}

	for i := range results {
		r := &results[i]
		r.LowerObjective = lookup(variants[2*i])
		r.UpperObjective = lookup(variants[2*i+1])
		r.Sensitivity = elasticity(r)
		r.IsRobust = r.Sensitivity.Defined() && r.Sensitivity < 0.5
	}

	o.logger.Info("sensitivity analysis complete",
		zap.String("params", params.Key()),
		zap.Int("parameters", len(results)),
		zap.Bool("interrupted", batch.interrupted),
	)
	return results, nil
}

func elasticity(r *SensitivityResult) types.Float {
	if !r.BaseObjective.Defined() || r.BaseObjective == 0 {
		return types.NaN()
	}
	base := float64(r.BaseObjective)

	var sum float64
	var n int
	for _, side := range []struct {
		value float64
		obj   types.Float
	}{{r.LowerValue, r.LowerObjective}, {r.UpperValue, r.UpperObjective}} {
		if !side.obj.Defined() {
			continue
		}
		paramChange := (side.value - r.BaseValue) / r.BaseValue * 100
		objChange := (float64(side.obj) - base) / base * 100
		sum += math.Abs(objChange / paramChange)
		n++
	}
	if n == 0 {
		return types.NaN()
	}
	return types.Float(sum / float64(n))
}
