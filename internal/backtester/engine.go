// Package backtester provides the portfolio backtest simulation engine.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/internal/strategy"
	"github.com/quantfolio/backtest-engine/pkg/types"
)

// ErrCancelled is returned when a run is cancelled between sessions. A
// cancelled run never yields a partial BacktestResult.
var ErrCancelled = errors.New("backtest cancelled")

// DataProvider supplies historical market data to the engine. Snapshot
// lookups return an empty table, not an error, when no data exists for a
// date; multi-OHLC lookups omit missing instruments from the map.
type DataProvider interface {
	GetMarketSnapshot(ctx context.Context, date time.Time, filter []string) (types.Snapshot, error)
	GetMultiOHLC(ctx context.Context, symbols []string, interval types.Interval, start, end time.Time) (map[string][]types.OHLCV, error)
}

// Engine replays historical data against a strategy, simulating order
// execution and portfolio rebalancing, and reduces the resulting trade
// ledger into a BacktestResult. A single run is strictly sequential:
// sessions are path-dependent, so they are processed in chronological
// order with no intra-run parallelism. Independent runs may execute
// concurrently, each owning a private Engine.
type Engine struct {
	logger    *zap.Logger
	provider  DataProvider
	execution ExecutionModel

	cancelled atomic.Bool
	progress  chan types.Progress

	// run state, owned for the duration of one Run
	config  *types.BacktestConfig
	ledger  *Ledger
	account *Account
	equity  []types.EquityPoint

	skippedSessions int
	rejectedOrders  int
	clampedWeights  int
}

// NewEngine creates an engine bound to a data provider. The execution
// model is built per run from the run configuration.
func NewEngine(logger *zap.Logger, provider DataProvider) *Engine {
	return &Engine{
		logger:   logger,
		provider: provider,
		progress: make(chan types.Progress, 64),
	}
}

// Cancel requests cooperative cancellation at the next session boundary.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Progress returns the progress channel. Updates are dropped rather than
// blocking the run when no receiver is draining.
func (e *Engine) Progress() <-chan types.Progress {
	return e.progress
}

// Run executes a backtest. The operating mode is selected from the
// strategy's capability flag: a strategy that selects its own universe
// runs in portfolio mode; any other strategy runs single-instrument
// against the first configured symbol, with no behavior change required
// on its part.
func (e *Engine) Run(ctx context.Context, config *types.BacktestConfig, strat strategy.Strategy) (*types.BacktestResult, error) {
	if err := e.setup(config, strat); err != nil {
		return nil, err
	}

	us, ok := strat.(strategy.UniverseStrategy)
	if ok && us.SelectsUniverse() {
		return e.runPortfolio(ctx, us)
	}

	if len(config.Symbols) != 1 {
		return nil, fmt.Errorf("single-instrument mode requires exactly one symbol, got %d", len(config.Symbols))
	}
	bars, err := e.provider.GetMultiOHLC(ctx, config.Symbols, config.Interval, config.StartDate, config.EndDate)
	if err != nil {
		return nil, fmt.Errorf("loading bars for %s: %w", config.Symbols[0], err)
	}
	series, ok := bars[config.Symbols[0]]
	if !ok || len(series) == 0 {
		return nil, fmt.Errorf("no data for %s in range", config.Symbols[0])
	}
	return e.runSeries(ctx, strat, series)
}

// RunSeries executes a single-instrument backtest over a caller-supplied
// OHLC series, bypassing the data provider.
func (e *Engine) RunSeries(ctx context.Context, config *types.BacktestConfig, strat strategy.Strategy, series []types.OHLCV) (*types.BacktestResult, error) {
	if err := e.setup(config, strat); err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, errors.New("empty price series")
	}
	return e.runSeries(ctx, strat, series)
}

// setup validates configuration and initializes per-run state. Setup
// errors are fatal and raised before any session runs.
func (e *Engine) setup(config *types.BacktestConfig, strat strategy.Strategy) error {
	if strat == nil {
		return errors.New("no strategy bound")
	}
	if config == nil {
		return errors.New("no configuration")
	}
	if config.StartDate.After(config.EndDate) {
		return fmt.Errorf("invalid date range: start %s after end %s",
			config.StartDate.Format("2006-01-02"), config.EndDate.Format("2006-01-02"))
	}
	if !config.InitialCapital.IsPositive() {
		return fmt.Errorf("initial capital must be positive, got %s", config.InitialCapital)
	}
	if config.ID == "" {
		config.ID = uuid.New().String()
	}

	e.config = config
	e.execution = NewSimulatedExecution(config.TradePrice, config.CommissionRate, config.SlippageBps)
	e.ledger = NewLedger(e.logger, config.LongOnly)
	e.account = NewAccount(e.logger, config.InitialCapital, config.Rebalance)
	e.account.SetTradingCosts(config.CommissionRate, config.SlippageBps)
	e.equity = nil
	e.skippedSessions = 0
	e.rejectedOrders = 0
	e.clampedWeights = 0
	e.cancelled.Store(false)
	strat.Reset()
	return nil
}

// runPortfolio iterates trading sessions in chronological order. Each
// session is an ordered state transition: snapshot, select, allocate,
// rebalance, settle, mark. Per-session failures skip the session and
// never abort the run.
func (e *Engine) runPortfolio(ctx context.Context, strat strategy.UniverseStrategy) (*types.BacktestResult, error) {
	startedAt := time.Now()
	sessions := tradingSessions(e.config.StartDate, e.config.EndDate)

	e.logger.Info("starting portfolio backtest",
		zap.String("id", e.config.ID),
		zap.String("strategy", strat.Name()),
		zap.Int("sessions", len(sessions)),
	)

	for i, date := range sessions {
		if err := e.checkCancelled(ctx); err != nil {
			return nil, err
		}

		snapshot, err := e.provider.GetMarketSnapshot(ctx, date, nil)
		if err != nil {
			e.logger.Warn("snapshot fetch failed, skipping session",
				zap.Time("date", date), zap.Error(err))
			e.skippedSessions++
			continue
		}

		universe, err := strat.SelectUniverse(date, snapshot)
		if err != nil {
			e.logger.Warn("universe selection failed, skipping session",
				zap.Time("date", date), zap.Error(err))
			e.skippedSessions++
			continue
		}

		// An empty universe is a valid "hold cash" decision.
		var weights map[string]decimal.Decimal
		if len(universe) > 0 {
			weights, err = strat.TargetWeights(universe, snapshot)
			if err != nil {
				e.logger.Warn("allocation failed, skipping session",
					zap.Time("date", date), zap.Error(err))
				e.skippedSessions++
				continue
			}
		}
		weights = e.clampWeights(weights, date)

		e.rebalanceSession(ctx, date, universe, weights, snapshot)
		e.markSession(date, snapshot)
		e.sendProgress(i+1, len(sessions), date)
	}

	return e.finish(startedAt)
}

// rebalanceSession computes order deltas toward the target weights and
// settles the resulting fills.
func (e *Engine) rebalanceSession(
	ctx context.Context,
	date time.Time,
	universe []string,
	weights map[string]decimal.Decimal,
	snapshot types.Snapshot,
) {
	prices := make(map[string]decimal.Decimal, len(snapshot))
	for sym, row := range snapshot {
		prices[sym] = row.Price
	}

	orders, rejected := e.account.RebalanceOrders(weights, prices, universe, date)
	e.rejectedOrders += rejected
	if len(orders) == 0 {
		e.settleLiquidation(ctx, date)
		return
	}

	symbols := make([]string, 0, len(orders))
	for _, o := range orders {
		symbols = append(symbols, o.Symbol)
	}
	bars, err := e.provider.GetMultiOHLC(ctx, symbols, e.config.Interval, date, date)
	if err != nil {
		e.logger.Warn("bar fetch failed, orders dropped for session",
			zap.Time("date", date), zap.Error(err))
		e.rejectedOrders += len(orders)
		return
	}

	for _, order := range orders {
		series, ok := bars[order.Symbol]
		if !ok || len(series) == 0 {
			e.logger.Debug("no session bar, order dropped",
				zap.String("symbol", order.Symbol), zap.Time("date", date))
			e.rejectedOrders++
			continue
		}
		e.settleOrder(order, series[0])
	}

	e.settleLiquidation(ctx, date)
}

// settleOrder executes one order and applies the fill to ledger and
// account.
func (e *Engine) settleOrder(order types.Order, bar types.OHLCV) {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	fill, err := e.execution.Fill(order, bar)
	if err != nil {
		e.logger.Warn("execution failed, order dropped",
			zap.String("symbol", order.Symbol), zap.Error(err))
		e.rejectedOrders++
		return
	}
	if fill == nil {
		e.rejectedOrders++
		return
	}
	e.ledger.Apply(*fill)
	e.account.ApplyFill(*fill)
}

// settleLiquidation enforces the minimum-cash floor by selling holdings
// at their last known price.
func (e *Engine) settleLiquidation(ctx context.Context, date time.Time) {
	orders := e.account.LiquidationOrders(date)
	if len(orders) == 0 {
		return
	}
	e.logger.Warn("cash below configured minimum, forcing liquidation",
		zap.Time("date", date),
		zap.String("cash", e.account.Cash().String()),
		zap.Int("orders", len(orders)),
	)
	for _, order := range orders {
		pos := e.account.Position(order.Symbol)
		if pos == nil {
			continue
		}
		bar := types.OHLCV{
			Symbol:    order.Symbol,
			Timestamp: date,
			Open:      pos.LastPrice,
			High:      pos.LastPrice,
			Low:       pos.LastPrice,
			Close:     pos.LastPrice,
		}
		e.settleOrder(order, bar)
	}
}

// markSession recomputes account equity and appends one sample for the
// session date.
func (e *Engine) markSession(date time.Time, snapshot types.Snapshot) {
	for sym, row := range snapshot {
		if row.Price.IsPositive() {
			e.account.MarkPrice(sym, row.Price)
		}
	}
	e.equity = append(e.equity, types.EquityPoint{
		Timestamp: date,
		Equity:    e.account.Equity(),
		Cash:      e.account.Cash(),
	})
}

// runSeries drives the per-bar decision function over a single
// instrument's series. The strategy's target exposure becomes the target
// weight for that one symbol.
func (e *Engine) runSeries(ctx context.Context, strat strategy.Strategy, series []types.OHLCV) (*types.BacktestResult, error) {
	startedAt := time.Now()
	symbol := series[0].Symbol

	e.logger.Info("starting single-instrument backtest",
		zap.String("id", e.config.ID),
		zap.String("strategy", strat.Name()),
		zap.String("symbol", symbol),
		zap.Int("bars", len(series)),
	)

	for i, bar := range series {
		if err := e.checkCancelled(ctx); err != nil {
			return nil, err
		}

		exposure, err := strat.OnBar(bar)
		if err != nil {
			e.logger.Warn("strategy error, skipping bar",
				zap.Time("date", bar.Timestamp), zap.Error(err))
			e.skippedSessions++
			continue
		}

		weights := e.clampWeights(map[string]decimal.Decimal{symbol: exposure}, bar.Timestamp)
		prices := map[string]decimal.Decimal{symbol: bar.Close}

		orders, rejected := e.account.RebalanceOrders(weights, prices, []string{symbol}, bar.Timestamp)
		e.rejectedOrders += rejected
		for _, order := range orders {
			e.settleOrder(order, bar)
		}

		e.account.MarkPrice(symbol, bar.Close)
		e.equity = append(e.equity, types.EquityPoint{
			Timestamp: bar.Timestamp,
			Equity:    e.account.Equity(),
			Cash:      e.account.Cash(),
		})
		e.sendProgress(i+1, len(series), bar.Timestamp)
	}

	return e.finish(startedAt)
}

// clampWeights bounds each target weight to [0, 1]. Out-of-range weights
// and an aggregate above 1.0 are recorded as warnings, never raised; the
// cash-funding policy absorbs over-allocation.
func (e *Engine) clampWeights(weights map[string]decimal.Decimal, date time.Time) map[string]decimal.Decimal {
	if len(weights) == 0 {
		return weights
	}
	one := decimal.NewFromInt(1)
	clamped := make(map[string]decimal.Decimal, len(weights))
	sum := decimal.Zero
	for sym, w := range weights {
		switch {
		case w.IsNegative():
			e.logger.Warn("negative target weight clamped to zero",
				zap.String("symbol", sym), zap.Time("date", date),
				zap.String("weight", w.String()))
			e.clampedWeights++
			w = decimal.Zero
		case w.GreaterThan(one):
			e.logger.Warn("target weight above one clamped",
				zap.String("symbol", sym), zap.Time("date", date),
				zap.String("weight", w.String()))
			e.clampedWeights++
			w = one
		}
		clamped[sym] = w
		sum = sum.Add(w)
	}
	if sum.GreaterThan(one) {
		e.logger.Warn("target weights sum above one, buys limited by cash",
			zap.Time("date", date), zap.String("sum", sum.String()))
		e.clampedWeights++
	}
	return clamped
}

// finish freezes the run and reduces it into the final result.
func (e *Engine) finish(startedAt time.Time) (*types.BacktestResult, error) {
	trades := e.ledger.CompletedTrades()
	result := NewMetricsCalculator().Reduce(trades, e.equity, e.config.InitialCapital)

	result.ID = e.config.ID
	result.StartDate = e.config.StartDate
	result.EndDate = e.config.EndDate
	result.SkippedSessions = e.skippedSessions
	result.RejectedOrders = e.rejectedOrders
	result.ClampedWeights = e.clampedWeights
	result.StartedAt = startedAt
	result.CompletedAt = time.Now()

	if e.config.MonteCarlo.Enabled {
		result.MonteCarlo = NewMonteCarlo(e.logger, e.config.MonteCarlo).Run(trades)
	}

	e.logger.Info("backtest completed",
		zap.String("id", result.ID),
		zap.Int("trades", result.TotalTrades),
		zap.Int("skippedSessions", result.SkippedSessions),
		zap.String("totalReturn", result.TotalReturn.String()),
	)
	return result, nil
}

// SymbolDetail returns the completed trades and raw fills for one
// instrument of the finished run.
func (e *Engine) SymbolDetail(symbol string) *types.SymbolDetail {
	if e.ledger == nil {
		return nil
	}
	var trades []types.CompletedTrade
	for _, t := range e.ledger.CompletedTrades() {
		if t.Symbol == symbol {
			trades = append(trades, t)
		}
	}
	perfs := NewMetricsCalculator().symbolPerformances(trades, e.config.InitialCapital)
	detail := &types.SymbolDetail{
		Trades: trades,
		Fills:  e.ledger.Fills(symbol),
	}
	if len(perfs) == 1 {
		detail.Performance = perfs[0]
	}
	return detail
}

func (e *Engine) checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if e.cancelled.Load() {
		return ErrCancelled
	}
	return nil
}

func (e *Engine) sendProgress(done, total int, date time.Time) {
	update := types.Progress{
		ID:              e.config.ID,
		Status:          "running",
		SessionsDone:    done,
		TotalSessions:   total,
		CurrentDate:     date,
		TradesCompleted: len(e.ledger.CompletedTrades()),
		CurrentEquity:   e.account.Equity(),
	}
	select {
	case e.progress <- update:
	default:
	}
}

// tradingSessions enumerates weekday dates in [start, end].
func tradingSessions(start, end time.Time) []time.Time {
	var sessions []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		sessions = append(sessions, d)
	}
	return sessions
}
