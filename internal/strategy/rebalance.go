package strategy

import (
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
)

const (
	ParamEntryDaysPostAnnouncement = "entry_days_post_announcement"
	ParamExitDaysPostEffective     = "exit_days_post_effective"
	ParamFlowFilterCr              = "flow_filter_cr"
)

// RebalanceDirection says whether a constituent joins or leaves the index.
type RebalanceDirection string

const (
	RebalanceAdd    RebalanceDirection = "add"
	RebalanceRemove RebalanceDirection = "remove"
)

// RebalanceEvent is one announced index constituent change.
type RebalanceEvent struct {
	Symbol       string             `json:"symbol" yaml:"symbol"`
	Announcement time.Time          `json:"announcement" yaml:"announcement"`
	Effective    time.Time          `json:"effective" yaml:"effective"`
	Direction    RebalanceDirection `json:"direction" yaml:"direction"`
	// EstimatedFlowCr is the expected passive flow in crores of rupees.
	EstimatedFlowCr float64 `json:"estimatedFlowCr" yaml:"estimated_flow_cr"`
}

// RebalanceFrontRun trades ahead of passive index flows: long additions and
// short removals from shortly after the announcement until shortly after the
// effective date. Events below the flow filter are ignored.
type RebalanceFrontRun struct {
	events []RebalanceEvent
}

// NewRebalanceFrontRun creates a generator over a fixed event calendar.
func NewRebalanceFrontRun(events []RebalanceEvent) *RebalanceFrontRun {
	cp := make([]RebalanceEvent, len(events))
	copy(cp, events)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Announcement.Before(cp[j].Announcement) })
	return &RebalanceFrontRun{events: cp}
}

// Events returns a copy of the calendar.
func (g *RebalanceFrontRun) Events() []RebalanceEvent {
	cp := make([]RebalanceEvent, len(g.events))
	copy(cp, g.events)
	return cp
}

func (g *RebalanceFrontRun) Kind() Kind { return KindRebalance }

func (g *RebalanceFrontRun) Required() []string {
	return []string{ParamEntryDaysPostAnnouncement, ParamExitDaysPostEffective, ParamFlowFilterCr}
}

func (g *RebalanceFrontRun) Validate(p types.ParameterSet) error {
	_, _, _, err := g.settings(p)
	return err
}

// Lookback is a single bar: the strategy uses no indicators.
func (g *RebalanceFrontRun) Lookback(p types.ParameterSet) (int, error) {
	if err := g.Validate(p); err != nil {
		return 0, err
	}
	return 1, nil
}

func (g *RebalanceFrontRun) Compute(series *types.PriceSeries, p types.ParameterSet) ([]types.Signal, error) {
	entryDays, exitDays, flowFilter, err := g.settings(p)
	if err != nil {
		return nil, err
	}
	if err := checkLength(g, series, p); err != nil {
		return nil, err
	}

	n := series.Len()
	signals := make([]types.Signal, n)
	firstAtOrAfter := func(t time.Time) int {
		return sort.Search(n, func(i int) bool { return !series.Bar(i).Timestamp.Before(t) })
	}

	for _, ev := range g.events {
		if ev.Symbol != "" && !strings.EqualFold(ev.Symbol, series.Symbol()) {
			continue
		}
		if ev.EstimatedFlowCr < flowFilter {
			continue
		}

		entry := firstAtOrAfter(ev.Announcement.AddDate(0, 0, entryDays))
		if entry >= n {
			continue
		}
		exit := firstAtOrAfter(ev.Effective.AddDate(0, 0, exitDays))
		if exit <= entry {
			exit = entry + 1
		}

		if signals[entry] == types.SignalHold {
			if ev.Direction == RebalanceRemove {
				signals[entry] = types.SignalEnterShort
			} else {
				signals[entry] = types.SignalEnterLong
			}
		}
		if exit < n && signals[exit] == types.SignalHold {
			signals[exit] = types.SignalExit
		}
	}
	return signals, nil
}

func (g *RebalanceFrontRun) settings(p types.ParameterSet) (int, int, float64, error) {
	entryDays, err := p.Int(ParamEntryDaysPostAnnouncement)
	if err != nil {
		return 0, 0, 0, err
	}
	exitDays, err := p.Int(ParamExitDaysPostEffective)
	if err != nil {
		return 0, 0, 0, err
	}
	flow, err := p.FloatOr(ParamFlowFilterCr, 0)
	if err != nil {
		return 0, 0, 0, err
	}
	if entryDays < 0 {
		return 0, 0, 0, types.NewConfigurationError(ParamEntryDaysPostAnnouncement, "must be non-negative, got %d", entryDays)
	}
	if exitDays < 0 {
		return 0, 0, 0, types.NewConfigurationError(ParamExitDaysPostEffective, "must be non-negative, got %d", exitDays)
	}
	return entryDays, exitDays, flow, nil
}
