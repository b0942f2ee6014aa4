package backtester

import (
	"fmt"
	"strings"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/shopspring/decimal"
)

// CostModel prices one side of a trade. Implementations must be pure and
// return a non-negative amount.
type CostModel interface {
	Cost(side types.OrderSide, notional decimal.Decimal, mode types.Mode) decimal.Decimal
}

// CostFunc adapts a function to CostModel.
type CostFunc func(side types.OrderSide, notional decimal.Decimal, mode types.Mode) decimal.Decimal

// Cost calls f.
func (f CostFunc) Cost(side types.OrderSide, notional decimal.Decimal, mode types.Mode) decimal.Decimal {
	return f(side, notional, mode)
}

// ZeroCost charges nothing.
type ZeroCost struct{}

// Cost returns zero
func (ZeroCost) Cost(types.OrderSide, decimal.Decimal, types.Mode) decimal.Decimal {
	return decimal.Zero
}

var bpsDivisor = decimal.NewFromInt(10000)

// PercentCost charges basis points of notional plus a fixed fee per order.
type PercentCost struct {
	BasisPoints decimal.Decimal
	FixedFee    decimal.Decimal
}

// NewPercentCost creates a percentage cost model
func NewPercentCost(bps, fixedFee decimal.Decimal) *PercentCost {
	return &PercentCost{BasisPoints: bps, FixedFee: fixedFee}
}

// Cost returns notional*bps/10000 + fee
func (p *PercentCost) Cost(_ types.OrderSide, notional decimal.Decimal, _ types.Mode) decimal.Decimal {
	return notional.Abs().Mul(p.BasisPoints).Div(bpsDivisor).Add(p.FixedFee)
}

// ChargeBreakdown itemizes a statutory charge schedule.
type ChargeBreakdown struct {
	Brokerage   decimal.Decimal `json:"brokerage"`
	STT         decimal.Decimal `json:"stt"`
	Transaction decimal.Decimal `json:"transaction"`
	SEBI        decimal.Decimal `json:"sebi"`
	GST         decimal.Decimal `json:"gst"`
	Stamp       decimal.Decimal `json:"stamp"`
	DP          decimal.Decimal `json:"dp"`
}

// Total sums all items.
func (b ChargeBreakdown) Total() decimal.Decimal {
	return b.Brokerage.Add(b.STT).Add(b.Transaction).Add(b.SEBI).Add(b.GST).Add(b.Stamp).Add(b.DP)
}

// ZerodhaCost is the Indian discount-broker equity schedule: zero-brokerage
// delivery, capped-brokerage intraday.
type ZerodhaCost struct{}

var (
	deliverySTT      = decimal.RequireFromString("0.001")
	intradaySTT      = decimal.RequireFromString("0.00025")
	exchangeTxn      = decimal.RequireFromString("0.0000297")
	sebiPerCrore     = decimal.NewFromInt(10)
	crore            = decimal.NewFromInt(10000000)
	gstRate          = decimal.RequireFromString("0.18")
	deliveryStamp    = decimal.RequireFromString("0.00015")
	intradayStamp    = decimal.RequireFromString("0.00003")
	dpCharge         = decimal.RequireFromString("15.34")
	intradayBrokRate = decimal.RequireFromString("0.0003")
	intradayBrokCap  = decimal.NewFromInt(20)
)

// Breakdown itemizes the charges for one order.
func (ZerodhaCost) Breakdown(side types.OrderSide, notional decimal.Decimal, mode types.Mode) ChargeBreakdown {
	turnover := notional.Abs()
	buy := side == types.OrderSideBuy

	var b ChargeBreakdown
	b.Transaction = turnover.Mul(exchangeTxn)
	b.SEBI = turnover.Div(crore).Mul(sebiPerCrore)

	if mode == types.ModeIntraday {
		b.Brokerage = decimal.Min(intradayBrokCap, turnover.Mul(intradayBrokRate))
		if !buy {
			b.STT = turnover.Mul(intradaySTT)
		} else {
			b.Stamp = turnover.Mul(intradayStamp)
		}
		b.GST = b.Brokerage.Add(b.Transaction).Add(b.SEBI).Mul(gstRate)
		return b
	}

	b.STT = turnover.Mul(deliverySTT)
	b.GST = b.Transaction.Add(b.SEBI).Mul(gstRate)
	if buy {
		b.Stamp = turnover.Mul(deliveryStamp)
	} else {
		b.DP = dpCharge
	}
	return b
}

// Cost returns the total charges for one order.
func (z ZerodhaCost) Cost(side types.OrderSide, notional decimal.Decimal, mode types.Mode) decimal.Decimal {
	return z.Breakdown(side, notional, mode).Total()
}

// CreateCostModel creates a cost model from config
func CreateCostModel(config types.CostConfig) (CostModel, error) {
	switch strings.ToLower(config.Model) {
	case "", "zero", "none":
		return ZeroCost{}, nil
	case "percent", "fixed":
		if config.PercentBps.IsNegative() || config.FixedFee.IsNegative() {
			return nil, fmt.Errorf("percent cost model: negative rate or fee")
		}
		return NewPercentCost(config.PercentBps, config.FixedFee), nil
	case "zerodha":
		return ZerodhaCost{}, nil
	default:
		return nil, fmt.Errorf("unknown cost model %q", config.Model)
	}
}
