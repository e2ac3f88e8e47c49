package backtester

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

func trade(sym string, pnl float64, holdingDays int) types.CompletedTrade {
	return types.CompletedTrade{
		Symbol:      sym,
		Side:        types.SideBuy,
		PnL:         d(pnl),
		HoldingDays: holdingDays,
	}
}

func equitySeries(values ...float64) []types.EquityPoint {
	points := make([]types.EquityPoint, len(values))
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i, v := range values {
		points[i] = types.EquityPoint{Timestamp: ts, Equity: d(v)}
		ts = ts.AddDate(0, 0, 1)
	}
	return points
}

func TestReduceWinRatePercent(t *testing.T) {
	trades := []types.CompletedTrade{
		trade("AAPL", 1000, 5),
		trade("MSFT", -500, 3),
	}
	result := NewMetricsCalculator().Reduce(trades, equitySeries(100_000, 100_500), d(100_000))

	assert.True(t, result.WinRate.Equal(d(50)), "winRate=%s", result.WinRate)
	assert.Equal(t, 2, result.TotalTrades)
	// 1000 gross profit over 500 gross loss
	assert.True(t, result.ProfitFactor.Equal(d(2)), "pf=%s", result.ProfitFactor)
}

func TestReduceProfitFactorSentinelOnNoLosses(t *testing.T) {
	trades := []types.CompletedTrade{trade("AAPL", 1000, 1)}
	result := NewMetricsCalculator().Reduce(trades, equitySeries(100_000, 101_000), d(100_000))

	assert.True(t, result.ProfitFactor.Equal(ProfitFactorInfinite))
}

func TestReduceProfitFactorZeroOnNoTrades(t *testing.T) {
	result := NewMetricsCalculator().Reduce(nil, equitySeries(100_000, 100_000), d(100_000))

	assert.True(t, result.ProfitFactor.IsZero())
	assert.True(t, result.WinRate.IsZero())
	assert.Equal(t, 0, result.TotalTrades)
}

func TestReduceMaxDrawdownPositiveMagnitude(t *testing.T) {
	// Peak 120k, trough 90k: drawdown 25%.
	result := NewMetricsCalculator().Reduce(nil,
		equitySeries(100_000, 120_000, 90_000, 110_000), d(100_000))

	assert.True(t, result.MaxDrawdown.Equal(d(0.25)), "mdd=%s", result.MaxDrawdown)
	assert.True(t, result.MaxDrawdown.IsPositive())
}

func TestReduceSharpeZeroOnFlatEquity(t *testing.T) {
	result := NewMetricsCalculator().Reduce(nil,
		equitySeries(100_000, 100_000, 100_000, 100_000), d(100_000))

	assert.True(t, result.SharpeRatio.IsZero())
}

func TestReduceSharpePositiveOnSteadyGains(t *testing.T) {
	result := NewMetricsCalculator().Reduce(nil,
		equitySeries(100_000, 101_000, 102_200, 103_100, 104_500), d(100_000))

	assert.True(t, result.SharpeRatio.IsPositive())
}

func TestReduceTotalReturnFromEquity(t *testing.T) {
	result := NewMetricsCalculator().Reduce(nil, equitySeries(100_000, 112_500), d(100_000))

	assert.True(t, result.TotalReturn.Equal(d(0.125)), "return=%s", result.TotalReturn)
	assert.True(t, result.FinalEquity.Equal(d(112_500)))
}

func TestReduceSymbolUniverseCompleteness(t *testing.T) {
	trades := []types.CompletedTrade{
		trade("AAPL", 100, 1),
		trade("AAPL", -50, 2),
		trade("MSFT", 200, 3),
	}
	result := NewMetricsCalculator().Reduce(trades, equitySeries(100_000, 100_250), d(100_000))

	// Every traded symbol appears exactly once, sorted; untraded symbols
	// never appear.
	require.Len(t, result.SymbolPerformances, 2)
	assert.Equal(t, "AAPL", result.SymbolPerformances[0].Symbol)
	assert.Equal(t, "MSFT", result.SymbolPerformances[1].Symbol)
	assert.Equal(t, 2, result.SymbolPerformances[0].TradeCount)
}

func TestReduceSymbolReturnReproducibleFromTrades(t *testing.T) {
	trades := []types.CompletedTrade{
		trade("AAPL", 1000, 1),
		trade("AAPL", -250, 1),
	}
	result := NewMetricsCalculator().Reduce(trades, equitySeries(100_000, 100_750), d(100_000))

	require.Len(t, result.SymbolPerformances, 1)
	perf := result.SymbolPerformances[0]

	// Recompute from the trade list alone.
	expected := d(1000).Add(d(-250)).Div(d(100_000))
	assert.True(t, perf.TotalReturn.Equal(expected), "got %s want %s", perf.TotalReturn, expected)
	assert.True(t, perf.TotalPnL.Equal(d(750)))
}

func TestReduceIdempotent(t *testing.T) {
	trades := []types.CompletedTrade{
		trade("AAPL", 1000, 5),
		trade("MSFT", -500, 3),
	}
	equity := equitySeries(100_000, 100_200, 100_500)
	mc := NewMetricsCalculator()

	first := mc.Reduce(trades, equity, d(100_000))
	second := mc.Reduce(trades, equity, d(100_000))

	assert.True(t, first.TotalReturn.Equal(second.TotalReturn))
	assert.True(t, first.WinRate.Equal(second.WinRate))
	assert.True(t, first.ProfitFactor.Equal(second.ProfitFactor))
	assert.True(t, first.MaxDrawdown.Equal(second.MaxDrawdown))
	assert.True(t, first.SharpeRatio.Equal(second.SharpeRatio))
	assert.Equal(t, first.SymbolPerformances, second.SymbolPerformances)
}

func TestReduceAvgHoldingDays(t *testing.T) {
	trades := []types.CompletedTrade{
		trade("AAPL", 100, 2),
		trade("AAPL", 100, 4),
	}
	result := NewMetricsCalculator().Reduce(trades, equitySeries(100_000, 100_200), d(100_000))

	require.Len(t, result.SymbolPerformances, 1)
	assert.True(t, result.SymbolPerformances[0].AvgHoldingDays.Equal(d(3)))
}

func TestReduceEmptyEquityFallsBackToCapital(t *testing.T) {
	result := NewMetricsCalculator().Reduce(nil, nil, d(100_000))

	assert.True(t, result.FinalEquity.Equal(d(100_000)))
	assert.True(t, result.TotalReturn.IsZero())
	assert.True(t, result.MaxDrawdown.IsZero())
}
