// Package backtester provides performance metrics reduction.
package backtester

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

// ProfitFactorInfinite is the sentinel reported when gross loss is zero,
// instead of raising a division error.
var ProfitFactorInfinite = decimal.NewFromInt(1_000_000_000)

// tradingDaysPerYear annualizes the Sharpe ratio for daily sessions.
const tradingDaysPerYear = 252

// MetricsCalculator derives per-instrument and portfolio-level statistics
// from a frozen trade ledger and equity series. It only reads its inputs
// and produces a new, independent result, so reduction is deterministic:
// identical inputs yield an identical result.
type MetricsCalculator struct{}

// NewMetricsCalculator creates a metrics calculator.
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Reduce computes the statistical body of a BacktestResult. Identity
// fields (id, dates, degraded-run counters) are filled by the caller.
func (mc *MetricsCalculator) Reduce(
	trades []types.CompletedTrade,
	equity []types.EquityPoint,
	initialCapital decimal.Decimal,
) *types.BacktestResult {
	result := &types.BacktestResult{
		InitialCapital:     initialCapital,
		TotalTrades:        len(trades),
		SymbolPerformances: mc.symbolPerformances(trades, initialCapital),
	}

	var wins int
	var grossProfit, grossLoss decimal.Decimal
	for _, t := range trades {
		if t.PnL.IsPositive() {
			wins++
			grossProfit = grossProfit.Add(t.PnL)
		} else if t.PnL.IsNegative() {
			grossLoss = grossLoss.Add(t.PnL.Abs())
		}
	}
	result.WinRate = winRate(wins, len(trades))
	result.ProfitFactor = profitFactor(grossProfit, grossLoss)

	result.EquityCurve = make([]decimal.Decimal, len(equity))
	result.EquityTimestamps = make([]time.Time, len(equity))
	for i, p := range equity {
		result.EquityCurve[i] = p.Equity
		result.EquityTimestamps[i] = p.Timestamp
	}

	if len(equity) > 0 {
		result.FinalEquity = equity[len(equity)-1].Equity
	} else {
		result.FinalEquity = initialCapital
	}
	if initialCapital.IsPositive() {
		result.TotalReturn = result.FinalEquity.Sub(initialCapital).Div(initialCapital)
	}

	result.MaxDrawdown = mc.maxDrawdown(equity)
	result.SharpeRatio = mc.sharpeRatio(equity)

	return result
}

// symbolPerformances aggregates trades per instrument. Every instrument
// with at least one completed trade appears exactly once; instruments with
// none do not appear at all.
func (mc *MetricsCalculator) symbolPerformances(
	trades []types.CompletedTrade,
	initialCapital decimal.Decimal,
) []types.SymbolPerformance {
	bySymbol := make(map[string][]types.CompletedTrade)
	for _, t := range trades {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	out := make([]types.SymbolPerformance, 0, len(bySymbol))
	for sym, ts := range bySymbol {
		var pnl, grossProfit, grossLoss decimal.Decimal
		var wins, holdingDays int
		for _, t := range ts {
			pnl = pnl.Add(t.PnL)
			holdingDays += t.HoldingDays
			if t.PnL.IsPositive() {
				wins++
				grossProfit = grossProfit.Add(t.PnL)
			} else if t.PnL.IsNegative() {
				grossLoss = grossLoss.Add(t.PnL.Abs())
			}
		}

		perf := types.SymbolPerformance{
			Symbol:       sym,
			TotalPnL:     pnl,
			TradeCount:   len(ts),
			WinRate:      winRate(wins, len(ts)),
			ProfitFactor: profitFactor(grossProfit, grossLoss),
		}
		// Total return is the flat sum of pnl over initial capital so it
		// is reproducible from the trade list alone.
		if initialCapital.IsPositive() {
			perf.TotalReturn = pnl.Div(initialCapital)
		}
		if len(ts) > 0 {
			perf.AvgHoldingDays = decimal.NewFromInt(int64(holdingDays)).
				Div(decimal.NewFromInt(int64(len(ts))))
		}
		out = append(out, perf)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// maxDrawdown returns the largest peak-to-trough decline as a positive
// magnitude.
func (mc *MetricsCalculator) maxDrawdown(equity []types.EquityPoint) decimal.Decimal {
	if len(equity) == 0 {
		return decimal.Zero
	}
	peak := equity[0].Equity
	maxDD := decimal.Zero
	for _, p := range equity {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(p.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// sharpeRatio annualizes mean/stdev of per-session returns. Flat equity
// reports zero, not NaN.
func (mc *MetricsCalculator) sharpeRatio(equity []types.EquityPoint) decimal.Decimal {
	returns := periodicReturns(equity)
	if len(returns) < 2 {
		return decimal.Zero
	}
	avg := mean(returns)
	sd := stdDev(returns)
	if sd == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(avg / sd * math.Sqrt(tradingDaysPerYear))
}

func periodicReturns(equity []types.EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev.IsZero() {
			continue
		}
		r, _ := equity[i].Equity.Sub(prev).Div(prev).Float64()
		returns = append(returns, r)
	}
	return returns
}

func winRate(wins, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(wins)).
		Div(decimal.NewFromInt(int64(total))).
		Mul(decimal.NewFromInt(100))
}

func profitFactor(grossProfit, grossLoss decimal.Decimal) decimal.Decimal {
	if grossLoss.IsZero() {
		if grossProfit.IsZero() {
			return decimal.Zero
		}
		return ProfitFactorInfinite
	}
	return grossProfit.Div(grossLoss)
}

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

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}
