// Package backtester provides position simulation, cost models and
// performance metrics for single-instrument strategy evaluation.
package backtester

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SimulationParams are the position-management parameters of a candidate.
type SimulationParams struct {
	PositionSizePct float64
	StopLossPct     float64
	TakeProfitPct   float64
	MaxHoldingBars  int
	Mode            types.Mode
	BorrowPctPerDay float64
}

// ParseSimulationParams extracts and validates position-management
// parameters. Stop-loss, take-profit, holding limit and borrow cost default
// to disabled.
func ParseSimulationParams(p types.ParameterSet) (SimulationParams, error) {
	var sp SimulationParams
	var err error

	if sp.PositionSizePct, err = p.Float(types.ParamPositionSizePct); err != nil {
		return sp, err
	}
	if sp.PositionSizePct <= 0 || sp.PositionSizePct > 100 {
		return sp, types.NewConfigurationError(types.ParamPositionSizePct, "must be in (0, 100], got %v", sp.PositionSizePct)
	}
	if sp.StopLossPct, err = p.FloatOr(types.ParamStopLossPct, 0); err != nil {
		return sp, err
	}
	if sp.StopLossPct < 0 || sp.StopLossPct >= 100 {
		return sp, types.NewConfigurationError(types.ParamStopLossPct, "must be in [0, 100), got %v", sp.StopLossPct)
	}
	if sp.TakeProfitPct, err = p.FloatOr(types.ParamTakeProfitPct, 0); err != nil {
		return sp, err
	}
	if sp.TakeProfitPct < 0 {
		return sp, types.NewConfigurationError(types.ParamTakeProfitPct, "must be non-negative, got %v", sp.TakeProfitPct)
	}
	if sp.MaxHoldingBars, err = p.IntOr(types.ParamMaxHoldingBars, 0); err != nil {
		return sp, err
	}
	if sp.MaxHoldingBars < 0 {
		return sp, types.NewConfigurationError(types.ParamMaxHoldingBars, "must be non-negative, got %d", sp.MaxHoldingBars)
	}
	if sp.BorrowPctPerDay, err = p.FloatOr(types.ParamBorrowCostPctDaily, 0); err != nil {
		return sp, err
	}
	if sp.BorrowPctPerDay < 0 {
		return sp, types.NewConfigurationError(types.ParamBorrowCostPctDaily, "must be non-negative, got %v", sp.BorrowPctPerDay)
	}
	if sp.Mode, err = p.Mode(); err != nil {
		return sp, err
	}
	return sp, nil
}

// Run is the output of one simulation.
type Run struct {
	Trades         []types.Trade
	Equity         []types.EquityPoint
	SkippedEntries int
}

// Simulator walks a series bar by bar and manages a single position.
// It holds no per-run state and may be shared across goroutines.
type Simulator struct {
	logger    *zap.Logger
	config    *types.SimulationConfig
	costs     CostModel
	location  *time.Location
	squareOff int // minutes after midnight
}

// NewSimulator creates a simulator. A nil config uses DefaultSimulationConfig.
func NewSimulator(logger *zap.Logger, config *types.SimulationConfig, costs CostModel) (*Simulator, error) {
	if config == nil {
		config = types.DefaultSimulationConfig()
	}
	if costs == nil {
		costs = ZeroCost{}
	}
	if !config.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("initial capital must be positive, got %s", config.InitialCapital)
	}

	loc := time.UTC
	if config.Location != "" {
		l, err := time.LoadLocation(config.Location)
		if err != nil {
			return nil, fmt.Errorf("loading location %q: %w", config.Location, err)
		}
		loc = l
	}

	squareOff := 24 * 60
	if config.SquareOffTime != "" {
		t, err := time.Parse("15:04", config.SquareOffTime)
		if err != nil {
			return nil, fmt.Errorf("parsing square-off time %q: %w", config.SquareOffTime, err)
		}
		squareOff = t.Hour()*60 + t.Minute()
	}

	return &Simulator{
		logger:    logger,
		config:    config,
		costs:     costs,
		location:  loc,
		squareOff: squareOff,
	}, nil
}

// InitialCapital returns the starting equity of every run.
func (s *Simulator) InitialCapital() decimal.Decimal { return s.config.InitialCapital }

// Run simulates params over series using the aligned signals. Entries and
// signal exits fill at the next bar's open; stops and targets fill at their
// trigger price inside the bar that breaches them.
func (s *Simulator) Run(series *types.PriceSeries, signals []types.Signal, params types.ParameterSet) (*Run, error) {
	if len(signals) != series.Len() {
		return nil, fmt.Errorf("signal length %d does not match series length %d", len(signals), series.Len())
	}
	sp, err := ParseSimulationParams(params)
	if err != nil {
		return nil, err
	}

	n := series.Len()
	run := &Run{
		Trades: make([]types.Trade, 0),
		Equity: make([]types.EquityPoint, 0, n),
	}
	if n == 0 {
		return run, nil
	}

	var squareOff []int
	if sp.Mode == types.ModeIntraday {
		squareOff = s.squareOffIndex(series)
	}

	acct := NewAccount(s.config.InitialCapital)
	pendingEntry := types.SignalHold
	var pendingExit types.ExitReason

	for t := 0; t < n; t++ {
		bar := series.Bar(t)

		if pendingExit != "" && acct.Position() != nil {
			if err := s.close(acct, run, &sp, t, bar.Timestamp, bar.Open, pendingExit); err != nil {
				return nil, err
			}
		}
		pendingExit = ""

		if pendingEntry != types.SignalHold && acct.Position() == nil {
			opened, err := s.open(acct, &sp, squareOff, t, bar, pendingEntry)
			if err != nil {
				return nil, err
			}
			if !opened {
				run.SkippedEntries++
			}
		}
		pendingEntry = types.SignalHold

		if pos := acct.Position(); pos != nil {
			pos.BarsHeld++
			var reason types.ExitReason
			var price float64

			switch {
			case pos.StopHit(bar):
				reason, price = types.ExitStopLoss, pos.StopPrice
			case pos.TargetHit(bar):
				reason, price = types.ExitTakeProfit, pos.TargetPrice
			case sp.Mode == types.ModeIntraday && t >= pos.SquareOff:
				reason, price = types.ExitSessionEnd, bar.Close
			case t == n-1:
				reason, price = types.ExitEndOfSeries, bar.Close
			case pos.ExitSignal(signals[t]):
				pendingExit = types.ExitSignal
			case sp.MaxHoldingBars > 0 && pos.BarsHeld >= sp.MaxHoldingBars:
				pendingExit = types.ExitTimeStop
			}

			if reason != "" {
				if err := s.close(acct, run, &sp, t, bar.Timestamp, price, reason); err != nil {
					return nil, err
				}
			}
		}

		if acct.Position() == nil && t+1 < n {
			if sig := signals[t]; sig == types.SignalEnterLong || sig == types.SignalEnterShort {
				pendingEntry = sig
			}
		}

		run.Equity = append(run.Equity, acct.Mark(bar.Timestamp, bar.Close))
	}

	return run, nil
}

func (s *Simulator) open(acct *Account, sp *SimulationParams, squareOff []int, t int, bar types.Bar, sig types.Signal) (bool, error) {
	price := bar.Open
	side := types.PositionSideLong
	if sig == types.SignalEnterShort {
		side = types.PositionSideShort
	}

	sq := math.MaxInt
	if squareOff != nil {
		sq = squareOff[t]
		if sp.MaxHoldingBars > 0 && sq-t < sp.MaxHoldingBars {
			return false, nil
		}
	}

	budget := acct.Cash().Mul(decimal.NewFromFloat(sp.PositionSizePct)).Div(decimal.NewFromInt(100))
	size := budget.Div(decimal.NewFromFloat(price)).Floor().IntPart()
	if size <= 0 {
		return false, nil
	}

	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(size))
	cost, err := s.cost(side.EntrySide(), notional, sp.Mode)
	if err != nil {
		return false, err
	}

	pos := &Position{
		Side:       side,
		Size:       size,
		EntryIndex: t,
		EntryTime:  bar.Timestamp,
		EntryPrice: price,
		EntryCost:  cost,
		SquareOff:  sq,
	}
	dir := side.Direction()
	if sp.StopLossPct > 0 {
		pos.StopPrice = price * (1 - dir*sp.StopLossPct/100)
	}
	if sp.TakeProfitPct > 0 {
		pos.TargetPrice = price * (1 + dir*sp.TakeProfitPct/100)
	}
	acct.Open(pos)
	return true, nil
}

func (s *Simulator) close(acct *Account, run *Run, sp *SimulationParams, t int, ts time.Time, price float64, reason types.ExitReason) error {
	pos := acct.Position()
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(pos.Size))
	exitCost, err := s.cost(pos.Side.ExitSide(), notional, sp.Mode)
	if err != nil {
		return err
	}

	borrow := decimal.Zero
	if pos.Side == types.PositionSideShort && sp.BorrowPctPerDay > 0 {
		days := int64(ts.Sub(pos.EntryTime).Hours() / 24)
		entryNotional := decimal.NewFromFloat(pos.EntryPrice).Mul(decimal.NewFromInt(pos.Size))
		borrow = entryNotional.
			Mul(decimal.NewFromFloat(sp.BorrowPctPerDay)).
			Div(decimal.NewFromInt(100)).
			Mul(decimal.NewFromInt(days))
	}

	run.Trades = append(run.Trades, acct.Close(t, ts, price, reason, exitCost, borrow))
	return nil
}

func (s *Simulator) cost(side types.OrderSide, notional decimal.Decimal, mode types.Mode) (decimal.Decimal, error) {
	c := s.costs.Cost(side, notional, mode)
	if c.IsNegative() {
		return decimal.Zero, fmt.Errorf("cost model returned negative cost %s for %s %s", c, side, notional)
	}
	return c, nil
}

// squareOffIndex returns, for every bar, the index of the bar at which an
// INTRADAY position opened on it must be closed: the first bar of its session
// at or after the square-off clock, or the session's last bar.
func (s *Simulator) squareOffIndex(series *types.PriceSeries) []int {
	n := series.Len()
	out := make([]int, n)

	start := 0
	for start < n {
		y, m, d := series.Bar(start).Timestamp.In(s.location).Date()
		end := start
		for end+1 < n {
			y2, m2, d2 := series.Bar(end + 1).Timestamp.In(s.location).Date()
			if y2 != y || m2 != m || d2 != d {
				break
			}
			end++
		}

		sq := end
		for i := start; i <= end; i++ {
			local := series.Bar(i).Timestamp.In(s.location)
			if local.Hour()*60+local.Minute() >= s.squareOff {
				sq = i
				break
			}
		}
		for i := start; i <= end; i++ {
			if i <= sq {
				out[i] = sq
			} else {
				// bars after the square-off clock close on the bar they open
				out[i] = i
			}
		}
		start = end + 1
	}
	return out
}
