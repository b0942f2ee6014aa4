package optimization

import (
	"fmt"
	"strings"

	"github.com/atlas-desktop/paramsearch/internal/backtester"
	"github.com/atlas-desktop/paramsearch/internal/strategy"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Objective names the metric a search maximizes.
type Objective string

const (
	ObjectiveAnnualizedReturn Objective = "annualized_return"
	ObjectiveTotalReturn      Objective = "total_return"
	ObjectiveSharpe           Objective = "sharpe"
	ObjectiveSortino          Objective = "sortino"
	ObjectiveCalmar           Objective = "calmar"
	ObjectiveProfitFactor     Objective = "profit_factor"
	ObjectiveWinRate          Objective = "win_rate"
	ObjectiveExpectancy       Objective = "expectancy"
)

// ParseObjective normalizes an objective name. Empty selects annualized return.
func ParseObjective(s string) (Objective, error) {
	o := Objective(strings.ToLower(strings.TrimSpace(s)))
	switch o {
	case "":
		return ObjectiveAnnualizedReturn, nil
	case ObjectiveAnnualizedReturn, ObjectiveTotalReturn, ObjectiveSharpe, ObjectiveSortino,
		ObjectiveCalmar, ObjectiveProfitFactor, ObjectiveWinRate, ObjectiveExpectancy:
		return o, nil
	}
	return "", fmt.Errorf("unknown objective %q", s)
}

// Value extracts the objective from m.
func (o Objective) Value(m types.Metrics) types.Float {
	switch o {
	case ObjectiveTotalReturn:
		return m.TotalReturn
	case ObjectiveSharpe:
		return m.SharpeRatio
	case ObjectiveSortino:
		return m.SortinoRatio
	case ObjectiveCalmar:
		return m.CalmarRatio
	case ObjectiveProfitFactor:
		return m.ProfitFactor
	case ObjectiveWinRate:
		return m.WinRate
	case ObjectiveExpectancy:
		return m.Expectancy
	default:
		return m.AnnualizedReturn
	}
}

// Evaluator scores one parameter set: signals, simulation, metrics. It keeps
// no per-call state, so one instance serves every worker.
type Evaluator struct {
	logger    *zap.Logger
	generator strategy.Generator
	simulator *backtester.Simulator
	metrics   *backtester.MetricsCalculator
	objective Objective
}

// NewEvaluator creates an evaluator for one strategy kind.
func NewEvaluator(logger *zap.Logger, generator strategy.Generator, simulator *backtester.Simulator, metrics *backtester.MetricsCalculator, objective Objective) *Evaluator {
	if objective == "" {
		objective = ObjectiveAnnualizedReturn
	}
	return &Evaluator{
		logger:    logger,
		generator: generator,
		simulator: simulator,
		metrics:   metrics,
		objective: objective,
	}
}

// Objective returns the metric this evaluator scores by.
func (e *Evaluator) Objective() Objective { return e.objective }

// Generator returns the signal generator.
func (e *Evaluator) Generator() strategy.Generator { return e.generator }

// Simulator returns the position simulator.
func (e *Evaluator) Simulator() *backtester.Simulator { return e.simulator }

// Lookback returns the number of bars params needs before any signal.
func (e *Evaluator) Lookback(params types.ParameterSet) (int, error) {
	return e.generator.Lookback(params)
}

// Validate checks params against the generator and the simulator without
// touching data.
func (e *Evaluator) Validate(params types.ParameterSet) error {
	if err := e.generator.Validate(params); err != nil {
		return err
	}
	_, err := backtester.ParseSimulationParams(params)
	return err
}

// Evaluate runs params over series. Errors wrapping ErrConfiguration mean
// the set itself is unusable; anything else is a series-level failure.
func (e *Evaluator) Evaluate(series *types.PriceSeries, params types.ParameterSet) (types.CandidateResult, error) {
	if err := e.Validate(params); err != nil {
		return types.CandidateResult{}, err
	}

	signals, err := e.generator.Compute(series, params)
	if err != nil {
		return types.CandidateResult{}, err
	}

	run, err := e.simulator.Run(series, signals, params)
	if err != nil {
		return types.CandidateResult{}, fmt.Errorf("simulating %s: %w", params.Key(), err)
	}

	m := e.metrics.Calculate(run.Equity, run.Trades)
	return types.CandidateResult{
		ID:        uuid.New().String(),
		Params:    params.Clone(),
		Metrics:   m,
		Objective: e.objective.Value(m),
		Trades:    run.Trades,
	}, nil
}
