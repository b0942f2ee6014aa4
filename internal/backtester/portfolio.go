package backtester

import (
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Position is the single open position of an account.
type Position struct {
	Side       types.PositionSide
	Size       int64
	EntryIndex int
	EntryTime  time.Time
	EntryPrice float64
	EntryCost  decimal.Decimal
	// StopPrice and TargetPrice are zero when disabled.
	StopPrice   float64
	TargetPrice float64
	BarsHeld    int
	// SquareOff is the bar index at which an INTRADAY position is closed.
	SquareOff int

	entry decimal.Decimal // EntryPrice, set by Account.Open
}

// StopHit reports whether bar trades through the stop.
func (p *Position) StopHit(bar types.Bar) bool {
	if p.StopPrice == 0 {
		return false
	}
	if p.Side == types.PositionSideShort {
		return bar.High >= p.StopPrice
	}
	return bar.Low <= p.StopPrice
}

// TargetHit reports whether bar trades through the take-profit.
func (p *Position) TargetHit(bar types.Bar) bool {
	if p.TargetPrice == 0 {
		return false
	}
	if p.Side == types.PositionSideShort {
		return bar.Low <= p.TargetPrice
	}
	return bar.High >= p.TargetPrice
}

// ExitSignal reports whether s asks this position to close.
func (p *Position) ExitSignal(s types.Signal) bool {
	switch s {
	case types.SignalExit:
		return true
	case types.SignalEnterShort:
		return p.Side == types.PositionSideLong
	case types.SignalEnterLong:
		return p.Side == types.PositionSideShort
	}
	return false
}

func (p *Position) unrealized(mark float64) decimal.Decimal {
	diff := decimal.NewFromFloat(mark).Sub(p.entry)
	if p.Side == types.PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(p.Size))
}

// Account tracks cash and at most one open position. It belongs to a single
// simulation run and is not safe for concurrent use.
type Account struct {
	initial  decimal.Decimal
	cash     decimal.Decimal
	peak     float64
	position *Position
}

// NewAccount creates an account funded with initial cash.
func NewAccount(initial decimal.Decimal) *Account {
	peak, _ := initial.Float64()
	return &Account{initial: initial, cash: initial, peak: peak}
}

// Cash returns cash net of all realized P&L and paid costs.
func (a *Account) Cash() decimal.Decimal { return a.cash }

// Position returns the open position or nil.
func (a *Account) Position() *Position { return a.position }

// Equity marks the open position at price.
func (a *Account) Equity(price float64) decimal.Decimal {
	if a.position == nil {
		return a.cash
	}
	return a.cash.Add(a.position.unrealized(price))
}

// Open records a new position and pays its entry cost.
func (a *Account) Open(pos *Position) {
	a.cash = a.cash.Sub(pos.EntryCost)
	pos.entry = decimal.NewFromFloat(pos.EntryPrice)
	a.position = pos
}

// Close realizes the open position and returns the resulting trade.
func (a *Account) Close(idx int, ts time.Time, price float64, reason types.ExitReason, exitCost, borrowCost decimal.Decimal) types.Trade {
	pos := a.position
	gross := pos.unrealized(price)
	costs := pos.EntryCost.Add(exitCost).Add(borrowCost)

	a.cash = a.cash.Add(gross).Sub(exitCost).Sub(borrowCost)
	a.position = nil

	return types.Trade{
		ID:         uuid.New().String(),
		Side:       pos.Side,
		Size:       pos.Size,
		EntryTime:  pos.EntryTime,
		EntryPrice: pos.EntryPrice,
		EntryIndex: pos.EntryIndex,
		ExitTime:   ts,
		ExitPrice:  price,
		ExitIndex:  idx,
		BarsHeld:   pos.BarsHeld,
		GrossPnL:   gross,
		EntryCost:  pos.EntryCost,
		ExitCost:   exitCost,
		BorrowCost: borrowCost,
		Costs:      costs,
		NetPnL:     gross.Sub(costs),
		ExitReason: reason,
	}
}

// Mark samples equity at a bar close and updates the running peak. Drawdown
// is computed in float64; cash and equity stay decimal.
func (a *Account) Mark(ts time.Time, price float64) types.EquityPoint {
	equity := a.Equity(price)
	eq, _ := equity.Float64()
	if eq > a.peak {
		a.peak = eq
	}

	var dd float64
	if a.peak > 0 {
		dd = (a.peak - eq) / a.peak
	}
	return types.EquityPoint{Timestamp: ts, Equity: equity, Cash: a.cash, Drawdown: dd}
}
