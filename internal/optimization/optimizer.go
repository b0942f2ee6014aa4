// Package optimization provides strategy parameter search and walk-forward
// validation.
// Methods: exhaustive grid with uniform sampling under a budget, and a
// genetic algorithm for spaces too large to enumerate.
package optimization

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/workers"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OptimizerConfig configures the optimizer
type OptimizerConfig struct {
	Mode       types.SearchMode `json:"mode" mapstructure:"mode"`
	Objective  Objective        `json:"objective" mapstructure:"objective"`
	TopN       int              `json:"topN" mapstructure:"top_n"`             // 0 keeps every result
	KeepTrades bool             `json:"keepTrades" mapstructure:"keep_trades"` // retain trade ledgers in results
	Seed       int64            `json:"seed" mapstructure:"seed"`              // 0 seeds from the clock
	Genetic    GeneticConfig    `json:"genetic" mapstructure:"genetic"`
}

// DefaultOptimizerConfig returns sensible defaults
func DefaultOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{
		Mode:      types.SearchGrid,
		Objective: ObjectiveAnnualizedReturn,
		TopN:      0,
		Genetic:   DefaultGeneticConfig(),
	}
}

// Budget bounds a search. Zero values are unlimited.
type Budget struct {
	MaxEvaluations int           `json:"maxEvaluations" mapstructure:"max_evaluations"`
	MaxDuration    time.Duration `json:"maxDuration" mapstructure:"max_duration"`
}

// Evaluation outcomes reported to observers.
const (
	OutcomeOK       = "ok"
	OutcomeExcluded = "excluded"
	OutcomeFailed   = "failed"
)

// Observer receives search lifecycle events. Implementations must be safe
// for concurrent use.
type Observer interface {
	EvaluationDone(outcome string, elapsed time.Duration)
	SearchStarted(mode types.SearchMode)
	SearchFinished(mode types.SearchMode, exhausted bool)
	WindowSkipped(reason string)
}

// Progress is a snapshot of a running search.
type Progress struct {
	Evaluated int         `json:"evaluated"`
	Excluded  int         `json:"excluded"`
	Planned   int         `json:"planned"`
	Best      types.Float `json:"best"`
}

// ProgressFunc is called from the collector goroutine after each evaluation.
type ProgressFunc func(Progress)

// Optimizer searches a parameter space for the best-scoring candidates.
type Optimizer struct {
	logger    *zap.Logger
	config    *OptimizerConfig
	evaluator *Evaluator
	pool      *workers.Pool
	ownsPool  bool
	observer  Observer
	progress  ProgressFunc
}

// NewOptimizer creates a new optimizer. Evaluations run on pool; a nil pool
// starts a private one that Close stops.
func NewOptimizer(logger *zap.Logger, config *OptimizerConfig, evaluator *Evaluator, pool *workers.Pool) *Optimizer {
	if config == nil {
		config = DefaultOptimizerConfig()
	}
	config.Genetic = config.Genetic.withDefaults()

	owns := false
	if pool == nil {
		pool = workers.NewPool(logger, workers.DefaultPoolConfig("optimizer"))
		pool.Start()
		owns = true
	}

	return &Optimizer{
		logger:    logger,
		config:    config,
		evaluator: evaluator,
		pool:      pool,
		ownsPool:  owns,
	}
}

// WithObserver returns a copy of o reporting to obs.
func (o *Optimizer) WithObserver(obs Observer) *Optimizer {
	c := *o
	c.observer = obs
	c.ownsPool = false
	return &c
}

// WithProgress returns a copy of o calling fn as results arrive.
func (o *Optimizer) WithProgress(fn ProgressFunc) *Optimizer {
	c := *o
	c.progress = fn
	c.ownsPool = false
	return &c
}

// Evaluator returns the evaluator used for every candidate.
func (o *Optimizer) Evaluator() *Evaluator { return o.evaluator }

// Config returns the optimizer settings.
func (o *Optimizer) Config() OptimizerConfig { return *o.config }

// Close stops the pool if the optimizer created it.
func (o *Optimizer) Close() error {
	if o.ownsPool {
		return o.pool.Stop()
	}
	return nil
}

// Search runs a grid or genetic search of space over series. Budget
// exhaustion and context cancellation end the search early and return the
// results gathered so far with BudgetExhausted set. Only series-level
// failures return an error.
func (o *Optimizer) Search(ctx context.Context, series *types.PriceSeries, space *ParameterSpace, budget Budget, mode types.SearchMode) (*types.SearchReport, error) {
	startTime := time.Now()
	if mode == "" {
		mode = o.config.Mode
	}

	if err := o.checkData(series, space); err != nil {
		return nil, err
	}

	report := &types.SearchReport{
		ID:        uuid.New().String(),
		Mode:      mode,
		Objective: string(o.evaluator.Objective()),
		SpaceSize: space.Size(),
		StartedAt: startTime,
	}

	if budget.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.MaxDuration)
		defer cancel()
	}

	o.logger.Info("starting search",
		zap.String("id", report.ID),
		zap.String("mode", string(mode)),
		zap.String("symbol", series.Symbol()),
		zap.Int("bars", series.Len()),
		zap.Int("space_size", space.Size()),
		zap.Int("max_evaluations", budget.MaxEvaluations),
	)
	if o.observer != nil {
		o.observer.SearchStarted(mode)
	}

	var results []types.CandidateResult
	var short shortfall
	var err error
	switch mode {
	case types.SearchGrid:
		results, err = o.gridSearch(ctx, series, space, budget, report, &short)
	case types.SearchGenetic:
		results, err = o.geneticSearch(ctx, series, space, budget, report, &short)
	default:
		err = fmt.Errorf("unknown search mode %q", mode)
	}

	if o.observer != nil {
		o.observer.SearchFinished(mode, report.BudgetExhausted)
	}
	if err != nil {
		return nil, err
	}
	if report.Evaluated == 0 && short.count > 0 && short.count == report.Excluded {
		return nil, &types.InsufficientDataError{Bars: series.Len(), Required: short.required}
	}

	Rank(results)
	if o.config.TopN > 0 && len(results) > o.config.TopN {
		results = results[:o.config.TopN]
	}
	if !o.config.KeepTrades {
		for i := range results {
			results[i].Trades = nil
		}
	}
	report.Results = results
	report.Duration = time.Since(startTime)

	best := types.NaN()
	if len(results) > 0 {
		best = results[0].Objective
	}
	o.logger.Info("search complete",
		zap.String("id", report.ID),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("excluded", report.Excluded),
		zap.Int("filtered", report.Filtered),
		zap.Bool("budget_exhausted", report.BudgetExhausted),
		zap.Float64("best_objective", float64(best)),
		zap.Duration("duration", report.Duration),
	)

	return report, nil
}

// lookbackProbes bounds the sets checkData inspects in spaces too large to
// enumerate.
const lookbackProbes = 10000

// checkData rejects series shorter than the smallest lookback of any set
// that satisfies the constraints. Large spaces are probed with random draws
// plus the lowest corner, so a miss there is caught after the search.
func (o *Optimizer) checkData(series *types.PriceSeries, space *ParameterSpace) error {
	var sets []types.ParameterSet
	if space.Size() <= lookbackProbes {
		sets, _ = space.Enumerate()
	} else {
		rng := rand.New(rand.NewSource(1))
		sets = append(sets, space.MinSet())
		for i := 0; i < lookbackProbes; i++ {
			sets = append(sets, space.Random(rng))
		}
	}

	required := -1
	for _, p := range sets {
		if !space.Satisfies(p) {
			continue
		}
		lb, err := o.evaluator.Lookback(p)
		if err != nil {
			continue
		}
		if required < 0 || lb < required {
			required = lb
		}
	}
	if required < 0 {
		o.logger.Debug("no set with a usable lookback, skipping data length check")
		return nil
	}
	if series.Len() < required {
		return &types.InsufficientDataError{Bars: series.Len(), Required: required}
	}
	return nil
}

// shortfall counts sets excluded because their lookback exceeds the series.
type shortfall struct {
	count    int
	required int
}

func (s *shortfall) add(b batchResult) {
	if b.short == 0 {
		return
	}
	if s.count == 0 || b.required < s.required {
		s.required = b.required
	}
	s.count += b.short
}

// gridSearch evaluates every valid combination, or a uniform sample of
// MaxEvaluations of them when the space is larger than the budget.
func (o *Optimizer) gridSearch(ctx context.Context, series *types.PriceSeries, space *ParameterSpace, budget Budget, report *types.SearchReport, short *shortfall) ([]types.CandidateResult, error) {
	var sets []types.ParameterSet
	if budget.MaxEvaluations > 0 && space.Size() > budget.MaxEvaluations {
		var drawn int
		sets, drawn, report.Filtered = space.Sample(o.rng(), budget.MaxEvaluations)
		report.Sampled = true
		report.SamplingFraction = float64(drawn) / float64(space.Size())
	} else {
		sets, report.Filtered = space.Enumerate()
		report.SamplingFraction = 1
	}

	o.logger.Info("starting grid search",
		zap.Int("combinations", len(sets)),
		zap.Bool("sampled", report.Sampled),
	)

	batch, err := o.evaluateAll(ctx, series, sets)
	report.Evaluated += batch.evaluated
	report.Excluded += batch.excluded
	short.add(batch)
	if batch.interrupted {
		report.BudgetExhausted = true
	}
	return batch.results, err
}

func (o *Optimizer) rng() *rand.Rand {
	seed := o.config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

type evaluation struct {
	result   types.CandidateResult
	err      error
	required int // lookback of a set excluded for want of data
}

type batchResult struct {
	results     []types.CandidateResult
	evaluated   int
	excluded    int
	short       int
	required    int
	interrupted bool
}

// evaluateAll submits sets to the shared pool and drains results in a
// single collector goroutine. Configuration errors become exclusions; any
// other error stops the batch and is returned.
func (o *Optimizer) evaluateAll(ctx context.Context, series *types.PriceSeries, sets []types.ParameterSet) (batchResult, error) {
	var batch batchResult
	if len(sets) == 0 {
		return batch, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan evaluation, o.pool.Workers())
	collected := make(chan struct{})
	var fatal error

	go func() {
		defer close(collected)
		best := types.NaN()
		for ev := range out {
			switch {
			case ev.err == nil:
				batch.evaluated++
				batch.results = append(batch.results, ev.result)
				if ev.result.Objective.Defined() && (!best.Defined() || ev.result.Objective > best) {
					best = ev.result.Objective
				}
			case errors.Is(ev.err, types.ErrConfiguration):
				batch.excluded++
				if ev.required > 0 {
					if batch.short == 0 || ev.required < batch.required {
						batch.required = ev.required
					}
					batch.short++
				}
				o.logger.Debug("candidate excluded", zap.Error(ev.err))
			default:
				if fatal == nil {
					fatal = ev.err
					cancel()
				}
			}
			if o.progress != nil {
				o.progress(Progress{Evaluated: batch.evaluated, Excluded: batch.excluded, Planned: len(sets), Best: best})
			}
		}
	}()

	var wg sync.WaitGroup
	var submitErr error
	for _, params := range sets {
		if runCtx.Err() != nil {
			break
		}
		params := params
		wg.Add(1)
		err := o.pool.Submit(runCtx, workers.TaskFunc(func() error {
			defer wg.Done()
			if runCtx.Err() != nil {
				return runCtx.Err()
			}

			start := time.Now()
			res, err := o.evaluator.Evaluate(series, params)
			o.observe(err, time.Since(start))
			ev := evaluation{result: res, err: err}
			if errors.Is(err, types.ErrConfiguration) {
				if lb, lerr := o.evaluator.Lookback(params); lerr == nil && lb > series.Len() {
					ev.required = lb
				}
			}
			out <- ev
			return err
		}))
		if err != nil {
			wg.Done()
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				submitErr = fmt.Errorf("submitting evaluation: %w", err)
			}
			break
		}
	}

	wg.Wait()
	close(out)
	<-collected

	if fatal != nil {
		return batch, fatal
	}
	if submitErr != nil {
		return batch, submitErr
	}
	batch.interrupted = ctx.Err() != nil
	return batch, nil
}

func (o *Optimizer) observe(err error, elapsed time.Duration) {
	if o.observer == nil {
		return
	}
	outcome := OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, types.ErrConfiguration):
		outcome = OutcomeExcluded
	default:
		outcome = OutcomeFailed
	}
	o.observer.EvaluationDone(outcome, elapsed)
}

// Rank orders results best first: objective descending with undefined
// objectives last, then lower max drawdown, then fewer trades, then the
// canonical parameter key.
func Rank(results []types.CandidateResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return better(results[i], results[j])
	})
}

func better(a, b types.CandidateResult) bool {
	aDef, bDef := a.Objective.Defined(), b.Objective.Defined()
	if aDef != bDef {
		return aDef
	}
	if aDef && a.Objective != b.Objective {
		return a.Objective > b.Objective
	}
	if a.Metrics.MaxDrawdown != b.Metrics.MaxDrawdown {
		return a.Metrics.MaxDrawdown < b.Metrics.MaxDrawdown
	}
	if a.Metrics.TotalTrades != b.Metrics.TotalTrades {
		return a.Metrics.TotalTrades < b.Metrics.TotalTrades
	}
	return a.Params.Key() < b.Params.Key()
}
