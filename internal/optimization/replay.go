package optimization

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/regime"
	"github.com/atlas-desktop/paramsearch/internal/workers"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

// ReplayResult is a parameter set evaluated on data it was not searched on.
type ReplayResult struct {
	Params    types.ParameterSet `json:"params"`
	Metrics   *types.Metrics     `json:"metrics,omitempty"`
	Objective types.Float        `json:"objective"`
	Error     string             `json:"error,omitempty"`
}

// RegimeResult is a parameter set replayed over one market regime.
type RegimeResult struct {
	regime.Segment
	Metrics   *types.Metrics `json:"metrics,omitempty"`
	Objective types.Float    `json:"objective"`
	Skipped   string         `json:"skipped,omitempty"`
}

type replayJob struct {
	series *types.PriceSeries
	params types.ParameterSet
}

type replayOutcome struct {
	result types.CandidateResult
	err    error
}

// replay evaluates jobs on the shared pool and returns outcomes in job
// order. Evaluation errors stay with their job; only a failed submit is
// returned.
func (o *Optimizer) replay(ctx context.Context, jobs []replayJob) ([]replayOutcome, error) {
	out := make([]replayOutcome, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		i, job := i, job
		wg.Add(1)
		err := o.pool.Submit(ctx, workers.TaskFunc(func() error {
			defer wg.Done()
			start := time.Now()
			res, err := o.evaluator.Evaluate(job.series, job.params)
			o.observe(err, time.Since(start))
			out[i] = replayOutcome{result: res, err: err}
			return err
		}))
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, fmt.Errorf("submitting replay: %w", err)
		}
	}
	wg.Wait()
	return out, nil
}

// Replay evaluates sets on series and returns one result per set in order.
func (o *Optimizer) Replay(ctx context.Context, series *types.PriceSeries, sets []types.ParameterSet) ([]ReplayResult, error) {
	jobs := make([]replayJob, len(sets))
	for i, p := range sets {
		jobs[i] = replayJob{series: series, params: p}
	}
	outcomes, err := o.replay(ctx, jobs)
	if err != nil {
		return nil, err
	}

	results := make([]ReplayResult, len(sets))
	for i, oc := range outcomes {
		results[i] = ReplayResult{Params: sets[i].Clone(), Objective: types.NaN()}
		if oc.err != nil {
			results[i].Error = oc.err.Error()
			continue
		}
		m := oc.result.Metrics
		results[i].Metrics = &m
		results[i].Objective = oc.result.Objective
	}
	return results, nil
}

// RegimeAnalysis replays params over each segment of series. Segments the
// set cannot run on, usually for want of bars, are marked skipped.
func (o *Optimizer) RegimeAnalysis(ctx context.Context, series *types.PriceSeries, params types.ParameterSet, segments []regime.Segment) ([]RegimeResult, error) {
	results := make([]RegimeResult, len(segments))
	jobs := make([]replayJob, len(segments))
	for i, seg := range segments {
		sub, err := series.Slice(seg.Start, seg.End)
		if err != nil {
			return nil, fmt.Errorf("regime %d: %w", i, err)
		}
		results[i] = RegimeResult{Segment: seg, Objective: types.NaN()}
		jobs[i] = replayJob{series: sub, params: params}
	}

	outcomes, err := o.replay(ctx, jobs)
	if err != nil {
		return nil, err
	}

	skipped := 0
	for i, oc := range outcomes {
		if oc.err != nil {
			results[i].Skipped = oc.err.Error()
			skipped++
			continue
		}
		m := oc.result.Metrics
		results[i].Metrics = &m
		results[i].Objective = oc.result.Objective
	}

	o.logger.Info("regime analysis complete",
		zap.String("params", params.Key()),
		zap.Int("regimes", len(results)),
		zap.Int("skipped", skipped),
	)
	return results, nil
}
