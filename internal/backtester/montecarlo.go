// Package backtester provides bootstrap validation of trade results.
package backtester

import (
	"math"
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

// MonteCarlo reshuffles the completed-trade return sequence to estimate
// the distribution of outcomes the same trades could have produced in a
// different order.
type MonteCarlo struct {
	logger *zap.Logger
	config types.MonteCarloConfig
	rng    *rand.Rand
}

// NewMonteCarlo creates a simulator. A non-zero seed makes runs
// reproducible.
func NewMonteCarlo(logger *zap.Logger, config types.MonteCarloConfig) *MonteCarlo {
	seed := config.Seed
	if seed == 0 {
		seed = 1
	}
	return &MonteCarlo{
		logger: logger,
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Run bootstraps the trade pnl sequence. Returns nil when there are no
// trades to sample.
func (mc *MonteCarlo) Run(trades []types.CompletedTrade) *types.MonteCarloResult {
	if len(trades) == 0 {
		return nil
	}

	returns := make([]float64, len(trades))
	for i, t := range trades {
		r, _ := t.ReturnPct.Float64()
		returns[i] = r
	}

	iterations := mc.config.Iterations
	if iterations <= 0 {
		iterations = 1000
	}

	totals := make([]float64, iterations)
	drawdowns := make([]float64, iterations)
	ruinCount := 0
	const ruinThreshold = 0.5

	for i := 0; i < iterations; i++ {
		shuffled := make([]float64, len(returns))
		copy(shuffled, returns)
		mc.rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		equity := 1.0
		peak := equity
		maxDD := 0.0
		for _, r := range shuffled {
			equity += r / 100
			if equity > peak {
				peak = equity
			}
			if peak > 0 {
				if dd := (peak - equity) / peak; dd > maxDD {
					maxDD = dd
				}
			}
			if equity <= ruinThreshold {
				ruinCount++
				break
			}
		}
		totals[i] = equity - 1.0
		drawdowns[i] = maxDD
	}

	sort.Float64s(totals)
	sort.Float64s(drawdowns)

	result := &types.MonteCarloResult{
		Iterations:      iterations,
		MedianReturn:    decimal.NewFromFloat(percentile(totals, 50)),
		P5Return:        decimal.NewFromFloat(percentile(totals, 5)),
		P95Return:       decimal.NewFromFloat(percentile(totals, 95)),
		MaxDrawdownP95:  decimal.NewFromFloat(percentile(drawdowns, 95)),
		ProbabilityRuin: decimal.NewFromFloat(float64(ruinCount) / float64(iterations)),
	}

	mc.logger.Info("monte carlo validation complete",
		zap.Int("iterations", iterations),
		zap.String("medianReturn", result.MedianReturn.String()),
		zap.String("p5Return", result.P5Return.String()),
	)
	return result
}

// percentile interpolates the p-th percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
