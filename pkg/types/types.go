// Package types provides shared type definitions for the parameter search backend.
package types

import (
	"encoding/json"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// EntrySide returns the order side that opens a position on this side.
func (s PositionSide) EntrySide() OrderSide {
	if s == PositionSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide returns the order side that closes a position on this side.
func (s PositionSide) ExitSide() OrderSide {
	if s == PositionSideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Direction is +1 for long and -1 for short.
func (s PositionSide) Direction() float64 {
	if s == PositionSideShort {
		return -1
	}
	return 1
}

// Mode is the venue/product mode a trade is executed under.
type Mode string

const (
	ModeDelivery Mode = "DELIVERY"
	ModeIntraday Mode = "INTRADAY"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeDelivery || m == ModeIntraday
}

// Signal is the per-bar output of a signal generator.
type Signal int8

const (
	SignalHold Signal = iota
	SignalEnterLong
	SignalEnterShort
	SignalExit
)

var signalNames = [...]string{"HOLD", "ENTER_LONG", "ENTER_SHORT", "EXIT"}

func (s Signal) String() string {
	if int(s) < 0 || int(s) >= len(signalNames) {
		return "UNKNOWN"
	}
	return signalNames[s]
}

// MarshalJSON encodes the signal by name.
func (s Signal) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ExitReason explains why a position was closed.
type ExitReason string

const (
	ExitSignal      ExitReason = "signal"
	ExitStopLoss    ExitReason = "stop_loss"
	ExitTakeProfit  ExitReason = "take_profit"
	ExitTimeStop    ExitReason = "time_stop"
	ExitSessionEnd  ExitReason = "session_end"
	ExitEndOfSeries ExitReason = "end_of_series"
)

// Trade is a closed round trip. Never mutated after creation.
type Trade struct {
	ID         string          `json:"id"`
	Side       PositionSide    `json:"side"`
	Size       int64           `json:"size"`
	EntryTime  time.Time       `json:"entryTime"`
	EntryPrice float64         `json:"entryPrice"`
	EntryIndex int             `json:"entryIndex"`
	ExitTime   time.Time       `json:"exitTime"`
	ExitPrice  float64         `json:"exitPrice"`
	ExitIndex  int             `json:"exitIndex"`
	BarsHeld   int             `json:"barsHeld"`
	GrossPnL   decimal.Decimal `json:"grossPnl"`
	EntryCost  decimal.Decimal `json:"entryCost"`
	ExitCost   decimal.Decimal `json:"exitCost"`
	BorrowCost decimal.Decimal `json:"borrowCost"`
	Costs      decimal.Decimal `json:"costs"`
	NetPnL     decimal.Decimal `json:"netPnl"`
	ExitReason ExitReason      `json:"exitReason"`
}

// EquityPoint is one mark-to-market sample of the account, taken at a bar close.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Cash      decimal.Decimal `json:"cash"`
	Drawdown  float64         `json:"drawdown"`
}

// Float is a float64 that encodes NaN and infinities as JSON null.
type Float float64

// NaN returns an undefined metric value.
func NaN() Float { return Float(math.NaN()) }

// IsNaN reports whether f is undefined.
func (f Float) IsNaN() bool { return math.IsNaN(float64(f)) }

// Defined reports whether f is a finite number.
func (f Float) Defined() bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}

func (f Float) MarshalJSON() ([]byte, error) {
	if !f.Defined() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(f))
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = NaN()
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Metrics are the scalar performance statistics of one simulation.
// Undefined statistics are NaN, never zero.
type Metrics struct {
	TotalReturn        Float `json:"totalReturn"`
	AnnualizedReturn   Float `json:"annualizedReturn"`
	SharpeRatio        Float `json:"sharpeRatio"`
	SortinoRatio       Float `json:"sortinoRatio"`
	MaxDrawdown        Float `json:"maxDrawdown"`
	CalmarRatio        Float `json:"calmarRatio"`
	WinRate            Float `json:"winRate"`
	ProfitFactor       Float `json:"profitFactor"`
	AvgWin             Float `json:"avgWin"`
	AvgLoss            Float `json:"avgLoss"`
	Expectancy         Float `json:"expectancy"`
	TradesPerYear      Float `json:"tradesPerYear"`
	TotalTrades        int   `json:"totalTrades"`
	WinningTrades      int   `json:"winningTrades"`
	LosingTrades       int   `json:"losingTrades"`
	ForcedLiquidations int   `json:"forcedLiquidations"`
	Periods            int   `json:"periods"`
}

// RiskMetrics are tail statistics of the per-period return distribution.
type RiskMetrics struct {
	VaR95            Float `json:"var95"`
	VaR99            Float `json:"var99"`
	CVaR95           Float `json:"cvar95"`
	Volatility       Float `json:"volatility"`
	AnnualVolatility Float `json:"annualVolatility"`
}

// MonteCarloResult summarizes a bootstrap of the trade ledger.
type MonteCarloResult struct {
	Iterations      int     `json:"iterations"`
	MedianReturn    Float   `json:"medianReturn"`
	P5Return        Float   `json:"p5Return"`
	P95Return       Float   `json:"p95Return"`
	MaxDrawdownP95  Float   `json:"maxDrawdownP95"`
	ProbabilityRuin Float   `json:"probabilityRuin"`
	Distribution    []Float `json:"distribution,omitempty"`
}
