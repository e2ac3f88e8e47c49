// Package backtester provides walk-forward analysis over sub-ranges.
package backtester

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/internal/strategy"
	"github.com/quantfolio/backtest-engine/pkg/types"
)

// WalkForward re-runs a backtest over rolling windows of the date range
// so a strategy's performance can be checked for stability across time.
// Each window runs on a fresh engine with private state.
type WalkForward struct {
	logger   *zap.Logger
	provider DataProvider
	registry *strategy.Registry
}

// NewWalkForward creates a walk-forward analyzer.
func NewWalkForward(logger *zap.Logger, provider DataProvider, registry *strategy.Registry) *WalkForward {
	return &WalkForward{logger: logger, provider: provider, registry: registry}
}

// Run slices [config.StartDate, config.EndDate] into windows of
// wf.WindowDays advanced by wf.StepDays and runs each on its own engine.
func (w *WalkForward) Run(ctx context.Context, config *types.BacktestConfig, wf types.WalkForwardConfig) (*types.WalkForwardResult, error) {
	if wf.WindowDays <= 0 || wf.StepDays <= 0 {
		return nil, fmt.Errorf("invalid walk-forward window %dd step %dd", wf.WindowDays, wf.StepDays)
	}

	result := &types.WalkForwardResult{}
	for start := config.StartDate; start.Before(config.EndDate); start = start.AddDate(0, 0, wf.StepDays) {
		end := start.AddDate(0, 0, wf.WindowDays)
		if end.After(config.EndDate) {
			end = config.EndDate
		}

		strat, ok := w.registry.Create(config.Strategy)
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q", config.Strategy)
		}

		windowConfig := *config
		windowConfig.ID = ""
		windowConfig.StartDate = start
		windowConfig.EndDate = end

		run, err := NewEngine(w.logger, w.provider).Run(ctx, &windowConfig, strat)
		if err != nil {
			w.logger.Warn("walk-forward window failed",
				zap.Time("start", start), zap.Time("end", end), zap.Error(err))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		result.Windows = append(result.Windows, types.WalkForwardWindow{
			Start:       start,
			End:         end,
			TotalReturn: run.TotalReturn,
			MaxDrawdown: run.MaxDrawdown,
			TradeCount:  run.TotalTrades,
		})

		if end.Equal(config.EndDate) {
			break
		}
	}
	return result, nil
}
