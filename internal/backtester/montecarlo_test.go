package backtester

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

func returnTrades(returns ...float64) []types.CompletedTrade {
	trades := make([]types.CompletedTrade, len(returns))
	for i, r := range returns {
		trades[i] = types.CompletedTrade{Symbol: "AAPL", ReturnPct: d(r)}
	}
	return trades
}

func TestMonteCarloNilOnNoTrades(t *testing.T) {
	mc := NewMonteCarlo(zap.NewNop(), types.MonteCarloConfig{Iterations: 100})
	assert.Nil(t, mc.Run(nil))
}

func TestMonteCarloPercentileOrdering(t *testing.T) {
	mc := NewMonteCarlo(zap.NewNop(), types.MonteCarloConfig{Iterations: 500, Seed: 42})
	result := mc.Run(returnTrades(5, -3, 2, -1, 4, -2, 3, 1))

	require.NotNil(t, result)
	assert.Equal(t, 500, result.Iterations)
	assert.True(t, result.P5Return.LessThanOrEqual(result.MedianReturn))
	assert.True(t, result.MedianReturn.LessThanOrEqual(result.P95Return))
	assert.False(t, result.MaxDrawdownP95.IsNegative())
}

func TestMonteCarloReproducibleWithSeed(t *testing.T) {
	trades := returnTrades(5, -3, 2, -1, 4)

	first := NewMonteCarlo(zap.NewNop(), types.MonteCarloConfig{Iterations: 200, Seed: 7}).Run(trades)
	second := NewMonteCarlo(zap.NewNop(), types.MonteCarloConfig{Iterations: 200, Seed: 7}).Run(trades)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.True(t, first.MedianReturn.Equal(second.MedianReturn))
	assert.True(t, first.P5Return.Equal(second.P5Return))
	assert.True(t, first.P95Return.Equal(second.P95Return))
}

func TestMonteCarloOrderInvariantTotal(t *testing.T) {
	// All-positive returns: every shuffle produces the same total, so the
	// percentile band collapses.
	mc := NewMonteCarlo(zap.NewNop(), types.MonteCarloConfig{Iterations: 100, Seed: 1})
	result := mc.Run(returnTrades(1, 2, 3))

	require.NotNil(t, result)
	assert.True(t, result.P5Return.Equal(result.P95Return))
	assert.True(t, result.ProbabilityRuin.IsZero())
}
