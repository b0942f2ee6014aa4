package backtester

import (
	"math"
	"sort"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/shopspring/decimal"
)

const hoursPerYear = 365.25 * 24

// MetricsCalculator reduces an equity curve and trade ledger to performance
// statistics. It never looks at prices. Undefined statistics are NaN.
type MetricsCalculator struct {
	config *types.MetricsConfig
}

// NewMetricsCalculator creates a new metrics calculator. A nil config uses
// DefaultMetricsConfig.
func NewMetricsCalculator(config *types.MetricsConfig) *MetricsCalculator {
	if config == nil {
		config = types.DefaultMetricsConfig()
	}
	if config.PeriodsPerYear <= 0 {
		config.PeriodsPerYear = 252
	}
	return &MetricsCalculator{config: config}
}

// Config returns the calculator settings.
func (mc *MetricsCalculator) Config() types.MetricsConfig { return *mc.config }

// Calculate calculates all performance metrics
func (mc *MetricsCalculator) Calculate(equityCurve []types.EquityPoint, trades []types.Trade) types.Metrics {
	m := types.Metrics{
		TotalReturn:      types.NaN(),
		AnnualizedReturn: types.NaN(),
		SharpeRatio:      types.NaN(),
		SortinoRatio:     types.NaN(),
		MaxDrawdown:      0,
		CalmarRatio:      types.NaN(),
		WinRate:          types.NaN(),
		ProfitFactor:     types.NaN(),
		AvgWin:           types.NaN(),
		AvgLoss:          types.NaN(),
		Expectancy:       types.NaN(),
		TradesPerYear:    types.NaN(),
	}

	mc.tradeStats(&m, trades)

	if len(equityCurve) == 0 {
		return m
	}

	if span := equityCurve[len(equityCurve)-1].Timestamp.Sub(equityCurve[0].Timestamp); span > 0 {
		m.TradesPerYear = types.Float(float64(m.TotalTrades) / (span.Hours() / hoursPerYear))
	}

	ppy := float64(mc.config.PeriodsPerYear)
	first := toFloat(equityCurve[0].Equity)
	final := toFloat(equityCurve[len(equityCurve)-1].Equity)
	returns := calculateReturns(equityCurve)
	m.Periods = len(returns)

	if first > 0 {
		m.TotalReturn = types.Float(final/first - 1)
		if m.Periods > 0 {
			if final <= 0 {
				m.AnnualizedReturn = -1
			} else {
				// geometric: compound the whole-period growth to one year
				m.AnnualizedReturn = types.Float(math.Pow(final/first, ppy/float64(m.Periods)) - 1)
			}
		}
	}

	if len(returns) > 1 {
		rfPerPeriod := mc.config.RiskFreeRate / ppy
		excess := make([]float64, len(returns))
		for i, r := range returns {
			excess[i] = r - rfPerPeriod
		}
		avgExcess := mean(excess)

		if sd := stdDev(returns); sd > 0 {
			m.SharpeRatio = types.Float(avgExcess / sd * math.Sqrt(ppy))
		}
		if dd := downsideDeviation(excess); dd > 0 {
			m.SortinoRatio = types.Float(avgExcess / dd * math.Sqrt(ppy))
		}
	}

	m.MaxDrawdown = types.Float(calculateMaxDrawdown(equityCurve))
	if m.MaxDrawdown > 0 && m.AnnualizedReturn.Defined() {
		m.CalmarRatio = m.AnnualizedReturn / m.MaxDrawdown
	}

	return m
}

func (mc *MetricsCalculator) tradeStats(m *types.Metrics, trades []types.Trade) {
	m.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}

	var totalWins, totalLosses, totalNet decimal.Decimal
	for _, trade := range trades {
		totalNet = totalNet.Add(trade.NetPnL)
		switch {
		case trade.NetPnL.IsPositive():
			m.WinningTrades++
			totalWins = totalWins.Add(trade.NetPnL)
		case trade.NetPnL.IsNegative():
			m.LosingTrades++
			totalLosses = totalLosses.Add(trade.NetPnL.Abs())
		}
		if trade.ExitReason == types.ExitEndOfSeries {
			m.ForcedLiquidations++
		}
	}

	m.WinRate = types.Float(float64(m.WinningTrades) / float64(m.TotalTrades))
	m.Expectancy = types.Float(toFloat(totalNet) / float64(m.TotalTrades))
	if m.WinningTrades > 0 {
		m.AvgWin = types.Float(toFloat(totalWins) / float64(m.WinningTrades))
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = types.Float(toFloat(totalLosses) / float64(m.LosingTrades))
		m.ProfitFactor = types.Float(toFloat(totalWins) / toFloat(totalLosses))
	}
}

// CalculateRiskMetrics calculates historical VaR/CVaR and volatility of the
// per-period returns.
func (mc *MetricsCalculator) CalculateRiskMetrics(equityCurve []types.EquityPoint) types.RiskMetrics {
	rm := types.RiskMetrics{
		VaR95:            types.NaN(),
		VaR99:            types.NaN(),
		CVaR95:           types.NaN(),
		Volatility:       types.NaN(),
		AnnualVolatility: types.NaN(),
	}

	returns := calculateReturns(equityCurve)
	if len(returns) < 2 {
		return rm
	}

	vol := stdDev(returns)
	rm.Volatility = types.Float(vol)
	rm.AnnualVolatility = types.Float(vol * math.Sqrt(float64(mc.config.PeriodsPerYear)))

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx95 := int(float64(len(sorted)) * 0.05)
	rm.VaR95 = types.Float(-sorted[idx95])
	idx99 := int(float64(len(sorted)) * 0.01)
	rm.VaR99 = types.Float(-sorted[idx99])

	if idx95 > 0 {
		rm.CVaR95 = types.Float(-mean(sorted[:idx95]))
	} else {
		rm.CVaR95 = rm.VaR95
	}

	return rm
}

// calculateReturns returns simple per-period returns of the equity curve.
func calculateReturns(equityCurve []types.EquityPoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}

	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := toFloat(equityCurve[i-1].Equity)
		if prev == 0 {
			continue
		}
		returns = append(returns, toFloat(equityCurve[i].Equity)/prev-1)
	}
	return returns
}

// calculateMaxDrawdown returns the largest peak-to-trough decline as a
// positive fraction of the peak.
func calculateMaxDrawdown(equityCurve []types.EquityPoint) float64 {
	var maxDD float64
	peak := math.Inf(-1)

	for _, point := range equityCurve {
		eq := toFloat(point.Equity)
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// mean calculates arithmetic mean
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev calculates sample standard deviation
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	mu := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - mu
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// downsideDeviation is the root mean square of the negative returns over
// every period, positive periods counting as zero. It is zero only when no
// period lost.
func downsideDeviation(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sumSquares float64
	for _, r := range returns {
		if r < 0 {
			sumSquares += r * r
		}
	}
	return math.Sqrt(sumSquares / float64(len(returns)))
}
