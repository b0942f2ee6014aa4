package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Window is one in-sample/out-of-sample split, as half-open bar ranges.
type Window struct {
	Index    int
	ISStart  int
	ISEnd    int
	OOSStart int
	OOSEnd   int
}

// GenerateWindows slides IS+OOS windows over n bars by StepBars. It stops
// before any OOS slice would run past the series. Anchored windows keep the
// in-sample start at bar 0 and grow.
func GenerateWindows(n int, policy types.WalkForwardConfig) ([]Window, error) {
	if policy.InSampleBars <= 0 || policy.OutOfSampleBars <= 0 {
		return nil, fmt.Errorf("in-sample and out-of-sample bars must be positive, got %d/%d", policy.InSampleBars, policy.OutOfSampleBars)
	}
	step := policy.StepBars
	if step <= 0 {
		step = policy.OutOfSampleBars
	}

	var windows []Window
	for i := 0; ; i++ {
		start := i * step
		isEnd := start + policy.InSampleBars
		oosEnd := isEnd + policy.OutOfSampleBars
		if oosEnd > n {
			break
		}
		if policy.Anchored {
			start = 0
		}
		windows = append(windows, Window{
			Index:    i,
			ISStart:  start,
			ISEnd:    isEnd,
			OOSStart: isEnd,
			OOSEnd:   oosEnd,
		})
	}
	return windows, nil
}

// WalkForwardValidator optimizes each in-sample slice and replays the winner
// out of sample.
type WalkForwardValidator struct {
	logger    *zap.Logger
	config    *types.WalkForwardConfig
	optimizer *Optimizer
	observer  Observer
}

// NewWalkForwardValidator creates a walk-forward validator. Every window
// searches through optimizer, so all windows share its worker pool.
func NewWalkForwardValidator(logger *zap.Logger, config *types.WalkForwardConfig, optimizer *Optimizer) *WalkForwardValidator {
	if config == nil {
		config = types.DefaultWalkForwardConfig()
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 1
	}
	if config.AcceptableReturnGap <= 0 {
		config.AcceptableReturnGap = 3
	}
	return &WalkForwardValidator{
		logger:    logger,
		config:    config,
		optimizer: optimizer,
		observer:  optimizer.observer,
	}
}

// Validate runs every window of series. Window failures are recorded as
// skipped; only an invalid policy returns an error.
func (v *WalkForwardValidator) Validate(ctx context.Context, series *types.PriceSeries, space *ParameterSpace, budget Budget, mode types.SearchMode) (*types.WalkForwardReport, error) {
	startTime := time.Now()

	windows, err := GenerateWindows(series.Len(), *v.config)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, &types.InsufficientDataError{
			Bars:     series.Len(),
			Required: v.config.InSampleBars + v.config.OutOfSampleBars,
		}
	}

	v.logger.Info("Starting walk-forward analysis",
		zap.Int("windowCount", len(windows)),
		zap.Int("inSampleBars", v.config.InSampleBars),
		zap.Int("outOfSampleBars", v.config.OutOfSampleBars),
		zap.Bool("anchored", v.config.Anchored),
		zap.Int("parallelism", v.config.Parallelism),
	)

	results := make([]types.WindowResult, len(windows))
	sem := make(chan struct{}, v.config.Parallelism)
	var wg sync.WaitGroup

	for i, w := range windows {
		wg.Add(1)
		go func(i int, w Window) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = v.runWindow(ctx, series, space, budget, mode, w)
		}(i, w)
	}
	wg.Wait()

	report := &types.WalkForwardReport{
		ID:        uuid.New().String(),
		Objective: string(v.optimizer.Evaluator().Objective()),
		Windows:   results,
	}
	v.aggregate(report)
	report.Duration = time.Since(startTime)

	v.logger.Info("Walk-forward analysis complete",
		zap.Int("completed", report.Completed),
		zap.Int("skipped", report.Skipped),
		zap.Float64("meanDegradation", float64(report.MeanDegradation)),
		zap.Float64("robustness", float64(report.Robustness)),
		zap.Duration("duration", report.Duration),
	)

	return report, nil
}

func (v *WalkForwardValidator) runWindow(ctx context.Context, series *types.PriceSeries, space *ParameterSpace, budget Budget, mode types.SearchMode, w Window) types.WindowResult {
	res := types.WindowResult{
		Index:          w.Index,
		InSampleStart:  w.ISStart,
		InSampleEnd:    w.ISEnd,
		OutSampleStart: w.OOSStart,
		OutSampleEnd:   w.OOSEnd,
		InSampleFrom:   series.Bar(w.ISStart).Timestamp,
		InSampleTo:     series.Bar(w.ISEnd - 1).Timestamp,
		OutSampleFrom:  series.Bar(w.OOSStart).Timestamp,
		OutSampleTo:    series.Bar(w.OOSEnd - 1).Timestamp,
	}

	skip := func(reason string) types.WindowResult {
		res.Skipped = true
		res.SkipReason = reason
		v.logger.Warn("Window skipped",
			zap.Int("window", w.Index),
			zap.String("reason", reason),
		)
		if v.observer != nil {
			v.observer.WindowSkipped(reason)
		}
		return res
	}

	if err := ctx.Err(); err != nil {
		return skip(fmt.Sprintf("cancelled: %v", err))
	}

	inSample, err := series.Slice(w.ISStart, w.ISEnd)
	if err != nil {
		return skip(err.Error())
	}
	outSample, err := series.Slice(w.OOSStart, w.OOSEnd)
	if err != nil {
		return skip(err.Error())
	}

	search, err := v.optimizer.Search(ctx, inSample, space, budget, mode)
	if err != nil {
		var insufficient *types.InsufficientDataError
		if errors.As(err, &insufficient) {
			return skip(fmt.Sprintf("in-sample: %v", err))
		}
		return skip(fmt.Sprintf("in-sample search failed: %v", err))
	}
	res.CandidatesTried = search.Evaluated

	best, ok := search.Best()
	if !ok {
		return skip("in-sample search produced no valid candidates")
	}
	res.InSample = &best

	evaluator := v.optimizer.Evaluator()
	lookback, err := evaluator.Lookback(best.Params)
	if err != nil {
		return skip(fmt.Sprintf("out-of-sample: %v", err))
	}
	if outSample.Len() < lookback {
		return skip(fmt.Sprintf("out-of-sample slice of %d bars shorter than lookback %d", outSample.Len(), lookback))
	}

	oos, err := evaluator.Evaluate(outSample, best.Params)
	if err != nil {
		return skip(fmt.Sprintf("out-of-sample evaluation failed: %v", err))
	}
	if !v.optimizer.config.KeepTrades {
		oos.Trades = nil
	}
	res.OutOfSample = &oos
	res.Degradation = v.degradation(best, oos)

	v.logger.Debug("Window completed",
		zap.Int("window", w.Index),
		zap.String("params", best.Params.Key()),
		zap.Float64("inSampleObjective", float64(best.Objective)),
		zap.Float64("outSampleObjective", float64(oos.Objective)),
	)

	return res
}

// degradation is in-sample minus out-of-sample. A window is acceptable when
// annualized return falls by less than AcceptableReturnGap percentage points.
func (v *WalkForwardValidator) degradation(is, oos types.CandidateResult) types.Degradation {
	d := types.Degradation{
		Objective: is.Objective - oos.Objective,
		Return:    is.Metrics.AnnualizedReturn - oos.Metrics.AnnualizedReturn,
		Sharpe:    is.Metrics.SharpeRatio - oos.Metrics.SharpeRatio,
		WinRate:   is.Metrics.WinRate - oos.Metrics.WinRate,
	}
	d.Acceptable = d.Return.Defined() && math.Abs(float64(d.Return))*100 < v.config.AcceptableReturnGap
	return d
}

func (v *WalkForwardValidator) aggregate(report *types.WalkForwardReport) {
	var degradations []float64
	var isReturn, oosReturn float64

	for _, w := range report.Windows {
		if w.Skipped {
			report.Skipped++
			continue
		}
		report.Completed++
		if w.Degradation.Acceptable {
			report.Acceptable++
		}
		if w.Degradation.Objective.Defined() {
			degradations = append(degradations, float64(w.Degradation.Objective))
		}
		if w.InSample.Metrics.TotalReturn.Defined() && w.OutOfSample.Metrics.TotalReturn.Defined() {
			isReturn += float64(w.InSample.Metrics.TotalReturn)
			oosReturn += float64(w.OutOfSample.Metrics.TotalReturn)
		}
	}

	report.MeanDegradation = types.NaN()
	report.DegradationVariance = types.NaN()
	report.Robustness = types.NaN()
	report.Efficiency = types.NaN()

	if len(degradations) > 0 {
		mu := 0.0
		for _, d := range degradations {
			mu += d
		}
		mu /= float64(len(degradations))
		report.MeanDegradation = types.Float(mu)

		if len(degradations) > 1 {
			var ss float64
			for _, d := range degradations {
				ss += (d - mu) * (d - mu)
			}
			report.DegradationVariance = types.Float(ss / float64(len(degradations)-1))
		}
	}
	if report.Completed > 0 {
		report.Robustness = types.Float(float64(report.Acceptable) / float64(report.Completed))
	}
	if isReturn != 0 {
		report.Efficiency = types.Float(math.Min(2, math.Max(0, oosReturn/isReturn)))
	}
}
