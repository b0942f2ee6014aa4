package types

import "time"

// CandidateResult is one scored evaluation of a parameter set.
type CandidateResult struct {
	ID        string       `json:"id"`
	Params    ParameterSet `json:"params"`
	Metrics   Metrics      `json:"metrics"`
	Objective Float        `json:"objective"`
	Trades    []Trade      `json:"trades,omitempty"`
}

// SearchMode selects the optimizer strategy.
type SearchMode string

const (
	SearchGrid    SearchMode = "grid"
	SearchGenetic SearchMode = "genetic"
)

// SearchReport is the ranked output of one optimizer search.
type SearchReport struct {
	ID               string            `json:"id"`
	Mode             SearchMode        `json:"mode"`
	Objective        string            `json:"objective"`
	Results          []CandidateResult `json:"results"`
	SpaceSize        int               `json:"spaceSize"`
	Evaluated        int               `json:"evaluated"`
	Excluded         int               `json:"excluded"`
	Filtered         int               `json:"filtered"`
	Sampled          bool              `json:"sampled"`
	SamplingFraction float64           `json:"samplingFraction"`
	Generations      int               `json:"generations,omitempty"`
	BudgetExhausted  bool              `json:"budgetExhausted"`
	StartedAt        time.Time         `json:"startedAt"`
	Duration         time.Duration     `json:"duration"`
}

// Best returns the top-ranked candidate, if any.
func (r *SearchReport) Best() (CandidateResult, bool) {
	if r == nil || len(r.Results) == 0 {
		return CandidateResult{}, false
	}
	return r.Results[0], true
}

// Degradation is the in-sample minus out-of-sample difference of key metrics.
type Degradation struct {
	Objective  Float `json:"objective"`
	Return     Float `json:"return"`
	Sharpe     Float `json:"sharpe"`
	WinRate    Float `json:"winRate"`
	Acceptable bool  `json:"acceptable"`
}

// WindowResult is the outcome of one walk-forward window.
type WindowResult struct {
	Index           int              `json:"index"`
	InSampleStart   int              `json:"inSampleStart"`
	InSampleEnd     int              `json:"inSampleEnd"`
	OutSampleStart  int              `json:"outSampleStart"`
	OutSampleEnd    int              `json:"outSampleEnd"`
	InSampleFrom    time.Time        `json:"inSampleFrom"`
	InSampleTo      time.Time        `json:"inSampleTo"`
	OutSampleFrom   time.Time        `json:"outSampleFrom"`
	OutSampleTo     time.Time        `json:"outSampleTo"`
	InSample        *CandidateResult `json:"inSample,omitempty"`
	OutOfSample     *CandidateResult `json:"outOfSample,omitempty"`
	Degradation     Degradation      `json:"degradation"`
	CandidatesTried int              `json:"candidatesTried"`
	Skipped         bool             `json:"skipped"`
	SkipReason      string           `json:"skipReason,omitempty"`
}

// WalkForwardReport aggregates all windows of a validation run.
type WalkForwardReport struct {
	ID                  string         `json:"id"`
	Objective           string         `json:"objective"`
	Windows             []WindowResult `json:"windows"`
	Completed           int            `json:"completed"`
	Skipped             int            `json:"skipped"`
	MeanDegradation     Float          `json:"meanDegradation"`
	DegradationVariance Float          `json:"degradationVariance"`
	Acceptable          int            `json:"acceptable"`
	Robustness          Float          `json:"robustness"`
	// Efficiency is summed out-of-sample over summed in-sample total
	// return, clamped to [0, 2].
	Efficiency Float         `json:"efficiency"`
	Duration   time.Duration `json:"duration"`
}
