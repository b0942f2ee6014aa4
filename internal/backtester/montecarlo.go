package backtester

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MonteCarloSimulator bootstraps a trade ledger to estimate the spread of
// outcomes the same edge could have produced.
type MonteCarloSimulator struct {
	logger *zap.Logger
	config types.MonteCarloConfig
	rng    *rand.Rand
}

// NewMonteCarloSimulator creates a new Monte Carlo simulator. A zero seed
// draws one from the clock.
func NewMonteCarloSimulator(logger *zap.Logger, config types.MonteCarloConfig) *MonteCarloSimulator {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if config.Iterations <= 0 {
		config.Iterations = 1000
	}
	if config.RuinThreshold <= 0 {
		config.RuinThreshold = 0.5
	}
	return &MonteCarloSimulator{
		logger: logger,
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Run resamples trades with replacement and replays them against the
// starting capital.
func (mc *MonteCarloSimulator) Run(trades []types.Trade, initialCapital decimal.Decimal) types.MonteCarloResult {
	capital := toFloat(initialCapital)
	if len(trades) == 0 || capital <= 0 {
		return types.MonteCarloResult{
			MedianReturn:    types.NaN(),
			P5Return:        types.NaN(),
			P95Return:       types.NaN(),
			MaxDrawdownP95:  types.NaN(),
			ProbabilityRuin: types.NaN(),
		}
	}

	// each trade's net P&L as a fraction of starting capital
	returns := make([]float64, len(trades))
	for i, trade := range trades {
		returns[i] = toFloat(trade.NetPnL) / capital
	}

	iterations := mc.config.Iterations
	simulatedReturns := make([]float64, iterations)
	maxDrawdowns := make([]float64, iterations)
	ruinCount := 0

	path := make([]float64, len(returns))
	for i := 0; i < iterations; i++ {
		for j := range path {
			path[j] = returns[mc.rng.Intn(len(returns))]
		}

		totalReturn, maxDD, isRuin := mc.simulatePath(path)
		simulatedReturns[i] = totalReturn
		maxDrawdowns[i] = maxDD
		if isRuin {
			ruinCount++
		}
	}

	sort.Float64s(simulatedReturns)
	sort.Float64s(maxDrawdowns)

	result := types.MonteCarloResult{
		Iterations:      iterations,
		MedianReturn:    types.Float(percentile(simulatedReturns, 50)),
		P5Return:        types.Float(percentile(simulatedReturns, 5)),
		P95Return:       types.Float(percentile(simulatedReturns, 95)),
		MaxDrawdownP95:  types.Float(percentile(maxDrawdowns, 95)),
		ProbabilityRuin: types.Float(float64(ruinCount) / float64(iterations)),
	}

	mc.logger.Debug("Monte Carlo simulation complete",
		zap.Int("iterations", iterations),
		zap.Float64("medianReturn", float64(result.MedianReturn)),
		zap.Float64("p5Return", float64(result.P5Return)),
		zap.Float64("probabilityRuin", float64(result.ProbabilityRuin)),
	)

	return result
}

// simulatePath returns the path's total return, max drawdown, and ruin status
func (mc *MonteCarloSimulator) simulatePath(returns []float64) (totalReturn float64, maxDrawdown float64, isRuin bool) {
	equity := 1.0
	peak := equity

	for _, ret := range returns {
		equity += ret
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
		if equity <= 1-mc.config.RuinThreshold {
			return equity - 1, maxDrawdown, true
		}
	}

	return equity - 1, maxDrawdown, false
}

// percentile calculates the pth percentile of sorted values with linear interpolation
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}

	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}

	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
