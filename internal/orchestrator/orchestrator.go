// Package orchestrator wires data loading, strategy generation, simulation
// and the optimizers into search and walk-forward runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/backtester"
	"github.com/atlas-desktop/paramsearch/internal/config"
	"github.com/atlas-desktop/paramsearch/internal/data"
	"github.com/atlas-desktop/paramsearch/internal/optimization"
	"github.com/atlas-desktop/paramsearch/internal/regime"
	"github.com/atlas-desktop/paramsearch/internal/store"
	"github.com/atlas-desktop/paramsearch/internal/strategy"
	"github.com/atlas-desktop/paramsearch/internal/workers"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Request describes one search or walk-forward run.
type Request struct {
	Space     *config.SpaceFile        `json:"-"`
	Mode      types.SearchMode         `json:"mode,omitempty"`
	Objective optimization.Objective   `json:"objective,omitempty"`
	Budget    optimization.Budget      `json:"budget"`
	Policy    *types.WalkForwardConfig `json:"walkForward,omitempty"` // nil uses the configured policy
	Seed      int64                    `json:"seed,omitempty"`

	// Review re-runs the winning parameters for risk metrics, a Monte Carlo
	// bootstrap and a viability grade.
	Review bool `json:"review"`
	// SensitivityDelta > 0 nudges each winning parameter by that fraction.
	SensitivityDelta float64 `json:"sensitivityDelta,omitempty"`
	// CrossAssets replaces the space's cross_assets list when set.
	CrossAssets []string `json:"crossAssets,omitempty"`
}

// Review is the detailed assessment of one parameter set.
type Review struct {
	Params     types.ParameterSet          `json:"params"`
	Metrics    types.Metrics               `json:"metrics"`
	Risk       types.RiskMetrics           `json:"risk"`
	MonteCarlo types.MonteCarloResult      `json:"monteCarlo"`
	Viability  *backtester.ViabilityReport `json:"viability"`
	Trades     int                         `json:"trades"`
	Regimes    []optimization.RegimeResult `json:"regimes,omitempty"`
}

// CrossAssetResult is the top of a search replayed on another symbol over
// the same dates.
type CrossAssetResult struct {
	Symbol  string                      `json:"symbol"`
	Bars    int                         `json:"bars"`
	Error   string                      `json:"error,omitempty"`
	Results []optimization.ReplayResult `json:"results,omitempty"`
}

// SearchOutcome is the result of Search.
type SearchOutcome struct {
	Symbol      string                           `json:"symbol"`
	Interval    types.Interval                   `json:"interval"`
	Strategy    strategy.Kind                    `json:"strategy"`
	Bars        int                              `json:"bars"`
	Quality     *data.QualityReport              `json:"quality"`
	Report      *types.SearchReport              `json:"report"`
	Review      *Review                          `json:"review,omitempty"`
	Sensitivity []optimization.SensitivityResult `json:"sensitivity,omitempty"`
	CrossAssets []CrossAssetResult               `json:"crossAssets,omitempty"`
	Saved       bool                             `json:"saved"`
}

// WalkForwardOutcome is the result of WalkForward.
type WalkForwardOutcome struct {
	Symbol   string                   `json:"symbol"`
	Interval types.Interval           `json:"interval"`
	Strategy strategy.Kind            `json:"strategy"`
	Bars     int                      `json:"bars"`
	Quality  *data.QualityReport      `json:"quality"`
	Report   *types.WalkForwardReport `json:"report"`
	Review   *Review                  `json:"review,omitempty"`
	Saved    bool                     `json:"saved"`
}

// Stats counts runs since start.
type Stats struct {
	Searches     int64             `json:"searches"`
	WalkForwards int64             `json:"walkForwards"`
	Failures     int64             `json:"failures"`
	LastRun      time.Time         `json:"lastRun"`
	Pool         workers.PoolStats `json:"pool"`
}

// Orchestrator owns the shared evaluation pool and the stateless pieces every
// run reuses. It is safe for concurrent use.
type Orchestrator struct {
	logger    *zap.Logger
	cfg       *config.Config
	loader    *data.Loader
	registry  *strategy.Registry
	simulator *backtester.Simulator
	metrics   *backtester.MetricsCalculator
	viability *backtester.ViabilityChecker
	regimes   *regime.Detector
	pool      *workers.Pool
	results   *store.SQLiteStore
	observer  optimization.Observer

	mu    sync.Mutex
	stats Stats
}

// New creates an orchestrator. results and observer may be nil.
func New(logger *zap.Logger, cfg *config.Config, loader *data.Loader, results *store.SQLiteStore, observer optimization.Observer) (*Orchestrator, error) {
	costs, err := backtester.CreateCostModel(cfg.Costs)
	if err != nil {
		return nil, fmt.Errorf("cost model: %w", err)
	}
	sim, err := backtester.NewSimulator(logger.Named("simulator"), &cfg.Simulation, costs)
	if err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}

	poolCfg := workers.DefaultPoolConfig("evaluation")
	if cfg.Search.Workers > 0 {
		poolCfg.NumWorkers = cfg.Search.Workers
		poolCfg.QueueSize = cfg.Search.Workers * 4
	}
	if cfg.Search.QueueSize > 0 {
		poolCfg.QueueSize = cfg.Search.QueueSize
	}

	return &Orchestrator{
		logger:    logger.Named("orchestrator"),
		cfg:       cfg,
		loader:    loader,
		registry:  strategy.NewRegistry(logger),
		simulator: sim,
		metrics:   backtester.NewMetricsCalculator(&cfg.Metrics),
		viability: backtester.NewViabilityChecker(&cfg.Viability),
		regimes:   regime.NewDetector(logger.Named("regime"), &cfg.Robustness.Regime),
		pool:      workers.NewPool(logger.Named("pool"), poolCfg),
		results:   results,
		observer:  observer,
	}, nil
}

// Pool returns the shared evaluation pool.
func (o *Orchestrator) Pool() *workers.Pool { return o.pool }

// Start starts the evaluation pool.
func (o *Orchestrator) Start() {
	o.pool.Start()
	o.logger.Info("Orchestrator started",
		zap.Int("workers", o.pool.Workers()),
		zap.String("objective", string(o.cfg.Search.Objective)),
		zap.String("mode", string(o.cfg.Search.Mode)),
	)
}

// Stop stops the evaluation pool.
func (o *Orchestrator) Stop() error {
	return o.pool.Stop()
}

// Stats returns run counters and pool statistics.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	s := o.stats
	o.mu.Unlock()
	s.Pool = o.pool.Stats()
	return s
}

// Search loads the series named by req.Space and searches its parameters.
func (o *Orchestrator) Search(ctx context.Context, req *Request, progress optimization.ProgressFunc) (*SearchOutcome, error) {
	run, err := o.prepare(ctx, req, progress)
	if err != nil {
		o.recordFailure()
		return nil, err
	}

	report, err := run.optimizer.Search(ctx, run.series, run.space, run.budget, run.mode)
	if err != nil {
		o.recordFailure()
		return nil, fmt.Errorf("search: %w", err)
	}

	out := &SearchOutcome{
		Symbol:   run.series.Symbol(),
		Interval: run.series.Interval(),
		Strategy: run.generator.Kind(),
		Bars:     run.series.Len(),
		Quality:  run.quality,
		Report:   report,
	}

	if best, ok := report.Best(); ok {
		if req.Review {
			if out.Review, err = o.review(ctx, run, best.Params, nil); err != nil {
				o.logger.Warn("Review failed", zap.String("id", report.ID), zap.Error(err))
			}
		}
		if req.SensitivityDelta > 0 {
			if out.Sensitivity, err = run.optimizer.Sensitivity(ctx, run.series, best.Params, req.SensitivityDelta); err != nil {
				o.logger.Warn("Sensitivity analysis failed", zap.String("id", report.ID), zap.Error(err))
			}
		}
	}

	symbols := run.file.CrossAssets
	if len(req.CrossAssets) > 0 {
		symbols = config.CleanSymbols(req.CrossAssets)
	}
	if len(symbols) > 0 && len(report.Results) > 0 {
		out.CrossAssets = o.crossAssets(ctx, run, symbols, report)
	}

	if o.results != nil {
		if err := o.results.SaveSearch(context.WithoutCancel(ctx), out.Symbol, out.Interval, report); err != nil {
			o.logger.Error("Failed to save search", zap.String("id", report.ID), zap.Error(err))
		} else {
			out.Saved = true
		}
	}

	o.mu.Lock()
	o.stats.Searches++
	o.stats.LastRun = time.Now()
	o.mu.Unlock()
	return out, nil
}

// WalkForward loads the series named by req.Space and validates its
// parameters window by window.
func (o *Orchestrator) WalkForward(ctx context.Context, req *Request, progress optimization.ProgressFunc) (*WalkForwardOutcome, error) {
	run, err := o.prepare(ctx, req, progress)
	if err != nil {
		o.recordFailure()
		return nil, err
	}

	policy := o.cfg.WalkForward
	if req.Policy != nil {
		policy = *req.Policy
	}
	validator := optimization.NewWalkForwardValidator(o.logger.Named("walkforward"), &policy, run.optimizer)

	report, err := validator.Validate(ctx, run.series, run.space, run.budget, run.mode)
	if err != nil {
		o.recordFailure()
		return nil, fmt.Errorf("walk-forward: %w", err)
	}

	out := &WalkForwardOutcome{
		Symbol:   run.series.Symbol(),
		Interval: run.series.Interval(),
		Strategy: run.generator.Kind(),
		Bars:     run.series.Len(),
		Quality:  run.quality,
		Report:   report,
	}

	if req.Review {
		if params, ok := latestParams(report); ok {
			if out.Review, err = o.review(ctx, run, params, report); err != nil {
				o.logger.Warn("Review failed", zap.String("id", report.ID), zap.Error(err))
			}
		}
	}

	if o.results != nil {
		if err := o.results.SaveWalkForward(context.WithoutCancel(ctx), out.Symbol, out.Interval, run.mode, report); err != nil {
			o.logger.Error("Failed to save walk-forward run", zap.String("id", report.ID), zap.Error(err))
		} else {
			out.Saved = true
		}
	}

	o.mu.Lock()
	o.stats.WalkForwards++
	o.stats.LastRun = time.Now()
	o.mu.Unlock()
	return out, nil
}

type preparedRun struct {
	file      *config.SpaceFile
	series    *types.PriceSeries
	quality   *data.QualityReport
	generator strategy.Generator
	space     *optimization.ParameterSpace
	optimizer *optimization.Optimizer
	budget    optimization.Budget
	mode      types.SearchMode
}

func (o *Orchestrator) prepare(ctx context.Context, req *Request, progress optimization.ProgressFunc) (*preparedRun, error) {
	if req == nil || req.Space == nil {
		return nil, errors.New("request has no parameter space")
	}
	sf := req.Space
	if sf.Symbol == "" {
		return nil, errors.New("request has no symbol")
	}

	generator, err := o.generator(sf)
	if err != nil {
		return nil, err
	}
	space, err := sf.Build()
	if err != nil {
		return nil, err
	}

	objective := req.Objective
	if objective == "" {
		objective = o.cfg.Search.Objective
	}
	if objective, err = optimization.ParseObjective(string(objective)); err != nil {
		return nil, err
	}

	series, quality, err := o.loader.Load(ctx, sf.Symbol, sf.Start, sf.End, sf.Interval)
	if err != nil {
		return nil, err
	}

	optCfg := o.cfg.Search.OptimizerConfig
	optCfg.Objective = objective
	if req.Seed != 0 {
		optCfg.Seed = req.Seed
	}
	mode := req.Mode
	if mode == "" {
		mode = optCfg.Mode
	}

	budget := o.cfg.Search.Budget
	if req.Budget.MaxEvaluations > 0 {
		budget.MaxEvaluations = req.Budget.MaxEvaluations
	}
	if req.Budget.MaxDuration > 0 {
		budget.MaxDuration = req.Budget.MaxDuration
	}

	evaluator := optimization.NewEvaluator(o.logger.Named("evaluator"), generator, o.simulator, o.metrics, objective)
	optimizer := optimization.NewOptimizer(o.logger.Named("optimizer"), &optCfg, evaluator, o.pool)
	if o.observer != nil {
		optimizer = optimizer.WithObserver(o.observer)
	}
	if progress != nil {
		optimizer = optimizer.WithProgress(progress)
	}

	return &preparedRun{
		file:      sf,
		series:    series,
		quality:   quality,
		generator: generator,
		space:     space,
		optimizer: optimizer,
		budget:    budget,
		mode:      mode,
	}, nil
}

// generator returns the signal generator for the space. Rebalance
// generators are built per request from the declared events.
func (o *Orchestrator) generator(sf *config.SpaceFile) (strategy.Generator, error) {
	if sf.Strategy == strategy.KindRebalance {
		if len(sf.Events) == 0 {
			return nil, errors.New("REBALANCE space declares no events")
		}
		return strategy.NewRebalanceFrontRun(sf.Events), nil
	}
	return o.registry.Get(sf.Strategy)
}

func (o *Orchestrator) review(ctx context.Context, run *preparedRun, params types.ParameterSet, wf *types.WalkForwardReport) (*Review, error) {
	signals, err := run.generator.Compute(run.series, params)
	if err != nil {
		return nil, err
	}
	sim, err := o.simulator.Run(run.series, signals, params)
	if err != nil {
		return nil, err
	}

	m := o.metrics.Calculate(sim.Equity, sim.Trades)
	risk := o.metrics.CalculateRiskMetrics(sim.Equity)
	mc := backtester.NewMonteCarloSimulator(o.logger.Named("montecarlo"), o.cfg.MonteCarlo).
		Run(sim.Trades, o.simulator.InitialCapital())

	verdict := o.viability.Check(backtester.ViabilityInput{
		Metrics:     m,
		Risk:        &risk,
		WalkForward: wf,
		MonteCarlo:  &mc,
	})
	o.logger.Info("Parameters reviewed",
		zap.String("params", params.Key()),
		zap.String("grade", verdict.Grade),
		zap.Int("score", verdict.Score),
		zap.Bool("viable", verdict.IsViable),
	)

	rv := &Review{
		Params:     params.Clone(),
		Metrics:    m,
		Risk:       risk,
		MonteCarlo: mc,
		Viability:  verdict,
		Trades:     len(sim.Trades),
	}
	if segments := o.regimes.Detect(run.series); len(segments) > 0 {
		if rv.Regimes, err = run.optimizer.RegimeAnalysis(ctx, run.series, params, segments); err != nil {
			o.logger.Warn("Regime analysis failed", zap.String("params", params.Key()), zap.Error(err))
		}
	}
	return rv, nil
}

// crossAssets replays the top-ranked sets on each symbol over the searched
// date range. A symbol that fails to load keeps its error and the rest
// still run.
func (o *Orchestrator) crossAssets(ctx context.Context, run *preparedRun, symbols []string, report *types.SearchReport) []CrossAssetResult {
	top := report.Results
	if n := o.cfg.Robustness.CrossAssetTopN; n > 0 && len(top) > n {
		top = top[:n]
	}
	sets := lo.Map(top, func(r types.CandidateResult, _ int) types.ParameterSet { return r.Params })

	var out []CrossAssetResult
	for _, sym := range symbols {
		if sym == run.series.Symbol() {
			continue
		}
		res := CrossAssetResult{Symbol: sym}
		series, _, err := o.loader.Load(ctx, sym, run.file.Start, run.file.End, run.series.Interval())
		if err == nil {
			res.Bars = series.Len()
			res.Results, err = run.optimizer.Replay(ctx, series, sets)
		}
		if err != nil {
			res.Error = err.Error()
			o.logger.Warn("Cross-asset replay failed", zap.String("symbol", sym), zap.Error(err))
		}
		out = append(out, res)
	}

	o.logger.Info("Cross-asset validation complete",
		zap.String("id", report.ID),
		zap.Int("symbols", len(out)),
		zap.Int("sets", len(sets)),
	)
	return out
}

// latestParams returns the in-sample winner of the last completed window,
// the set a live deployment would trade next.
func latestParams(report *types.WalkForwardReport) (types.ParameterSet, bool) {
	for i := len(report.Windows) - 1; i >= 0; i-- {
		w := report.Windows[i]
		if !w.Skipped && w.InSample != nil {
			return w.InSample.Params, true
		}
	}
	return nil, false
}

func (o *Orchestrator) recordFailure() {
	o.mu.Lock()
	o.stats.Failures++
	o.mu.Unlock()
}
