// Package batch runs multiple independent backtests concurrently.
package batch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/internal/backtester"
	"github.com/quantfolio/backtest-engine/internal/store"
	"github.com/quantfolio/backtest-engine/internal/strategy"
	"github.com/quantfolio/backtest-engine/pkg/types"
)

// Runner executes a set of backtest configurations on a bounded pool of
// worker goroutines. Each run gets a fresh engine with private state, so
// runs never share a ledger or account; only the result store is shared
// and it serializes its own writes.
type Runner struct {
	logger   *zap.Logger
	provider backtester.DataProvider
	registry *strategy.Registry
	results  *store.ResultStore // optional, nil skips persistence
	workers  int

	completed atomic.Int64
	failed    atomic.Int64
}

// Outcome pairs one config with its run result or error.
type Outcome struct {
	Config *types.BacktestConfig
	Result *types.BacktestResult
	Err    error
}

// NewRunner creates a batch runner. workers <= 0 defaults to NumCPU.
func NewRunner(logger *zap.Logger, provider backtester.DataProvider, registry *strategy.Registry, results *store.ResultStore, workers int) *Runner {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Runner{
		logger:   logger,
		provider: provider,
		registry: registry,
		results:  results,
		workers:  workers,
	}
}

// Run executes every config and returns one outcome per config, in input
// order. A failed run is reported in its outcome; it does not stop the
// batch. Cancelling ctx stops feeding new work and lets in-flight runs
// observe the cancellation themselves.
func (r *Runner) Run(ctx context.Context, configs []*types.BacktestConfig) []Outcome {
	outcomes := make([]Outcome, len(configs))

	type job struct {
		index  int
		config *types.BacktestConfig
	}
	jobs := make(chan job)

	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				result, err := r.runOne(ctx, j.config)
				outcomes[j.index] = Outcome{Config: j.config, Result: result, Err: err}
			}
		}()
	}

	for i, config := range configs {
		select {
		case <-ctx.Done():
			outcomes[i] = Outcome{Config: config, Err: ctx.Err()}
			continue
		case jobs <- job{index: i, config: config}:
		}
	}
	close(jobs)
	wg.Wait()

	r.logger.Info("batch complete",
		zap.Int("configs", len(configs)),
		zap.Int64("completed", r.completed.Load()),
		zap.Int64("failed", r.failed.Load()),
	)
	return outcomes
}

func (r *Runner) runOne(ctx context.Context, config *types.BacktestConfig) (*types.BacktestResult, error) {
	strat, ok := r.registry.Create(config.Strategy)
	if !ok {
		r.failed.Add(1)
		return nil, fmt.Errorf("unknown strategy %q", config.Strategy)
	}

	result, err := backtester.NewEngine(r.logger, r.provider).Run(ctx, config, strat)
	if err != nil {
		r.failed.Add(1)
		r.logger.Warn("batch run failed",
			zap.String("strategy", config.Strategy), zap.Error(err))
		return nil, err
	}

	if r.results != nil {
		if err := r.results.Save(ctx, config.Strategy, result); err != nil {
			r.logger.Warn("batch result save failed",
				zap.String("id", result.ID), zap.Error(err))
		}
	}

	r.completed.Add(1)
	return result, nil
}

// Stats reports completed and failed run counts across the runner's
// lifetime.
func (r *Runner) Stats() (completed, failed int64) {
	return r.completed.Load(), r.failed.Load()
}
