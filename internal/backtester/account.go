// Package backtester provides portfolio state tracking and rebalancing.
package backtester

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

// Account maintains portfolio-wide state for one run: cash, per-instrument
// positions with average cost, and the last known prices used for
// mark-to-market. It also proposes rebalancing orders toward a target
// allocation. An Account is owned by a single engine run and is never
// shared between runs.
type Account struct {
	logger      *zap.Logger
	cash        decimal.Decimal
	initialCash decimal.Decimal
	positions   map[string]*types.Position
	lastPrices  map[string]decimal.Decimal
	rebalance   types.RebalanceConfig

	commissionRate decimal.Decimal
	slippageBps    decimal.Decimal
}

// NewAccount creates an account with the given starting cash.
func NewAccount(logger *zap.Logger, initialCash decimal.Decimal, cfg types.RebalanceConfig) *Account {
	return &Account{
		logger:      logger,
		cash:        initialCash,
		initialCash: initialCash,
		positions:   make(map[string]*types.Position),
		lastPrices:  make(map[string]decimal.Decimal),
		rebalance:   cfg,
	}
}

// SetTradingCosts records the run's commission rate and slippage so cash
// projections match what execution will actually charge.
func (a *Account) SetTradingCosts(commissionRate, slippageBps decimal.Decimal) {
	a.commissionRate = commissionRate
	a.slippageBps = slippageBps
}

// Cash returns the available cash balance.
func (a *Account) Cash() decimal.Decimal {
	return a.cash
}

// Position returns a copy of the position for a symbol, or nil.
func (a *Account) Position(symbol string) *types.Position {
	pos, ok := a.positions[symbol]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// Positions returns copies of all non-zero positions.
func (a *Account) Positions() map[string]types.Position {
	out := make(map[string]types.Position, len(a.positions))
	for sym, pos := range a.positions {
		out[sym] = *pos
	}
	return out
}

// ApplyFill settles one fill against cash and the position book.
// Commission is deducted from cash at fill time.
func (a *Account) ApplyFill(fill types.Fill) {
	notional := fill.Quantity.Mul(fill.Price)
	if fill.Side == types.SideBuy {
		a.cash = a.cash.Sub(notional).Sub(fill.Commission)
	} else {
		a.cash = a.cash.Add(notional).Sub(fill.Commission)
	}
	a.lastPrices[fill.Symbol] = fill.Price

	pos, ok := a.positions[fill.Symbol]
	if !ok {
		pos = &types.Position{
			Symbol:   fill.Symbol,
			AvgCost:  fill.Price,
			OpenedAt: fill.Timestamp,
		}
		a.positions[fill.Symbol] = pos
	}

	signed := fill.Quantity.Mul(fill.Side.Sign())
	newQty := pos.Quantity.Add(signed)

	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign():
		// Adding in the same direction: average the cost basis.
		totalCost := pos.Quantity.Abs().Mul(pos.AvgCost).Add(fill.Quantity.Mul(fill.Price))
		totalQty := pos.Quantity.Abs().Add(fill.Quantity)
		pos.AvgCost = totalCost.Div(totalQty)
	case newQty.Sign() == pos.Quantity.Sign() || newQty.IsZero():
		// Reducing: realize pnl against average cost, basis unchanged.
		closing := fill.Quantity
		direction := decimal.NewFromInt(int64(pos.Quantity.Sign()))
		pnl := fill.Price.Sub(pos.AvgCost).Mul(closing).Mul(direction)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl).Sub(fill.Commission)
	default:
		// Crossing through zero: flat the old side, open the new one at
		// the fill price.
		closing := pos.Quantity.Abs()
		direction := decimal.NewFromInt(int64(pos.Quantity.Sign()))
		pnl := fill.Price.Sub(pos.AvgCost).Mul(closing).Mul(direction)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl).Sub(fill.Commission)
		pos.AvgCost = fill.Price
		pos.OpenedAt = fill.Timestamp
	}

	pos.Quantity = newQty
	pos.LastPrice = fill.Price
	if pos.Quantity.IsZero() {
		delete(a.positions, fill.Symbol)
	}
}

// MarkPrice records the last known price for a symbol.
func (a *Account) MarkPrice(symbol string, price decimal.Decimal) {
	a.lastPrices[symbol] = price
	if pos, ok := a.positions[symbol]; ok {
		pos.LastPrice = price
	}
}

// Equity returns cash plus the mark-to-market value of all positions.
func (a *Account) Equity() decimal.Decimal {
	equity := a.cash
	for _, pos := range a.positions {
		equity = equity.Add(pos.MarketValue())
	}
	return equity
}

// Weights returns the current portfolio weight of each held instrument.
func (a *Account) Weights() map[string]decimal.Decimal {
	equity := a.Equity()
	weights := make(map[string]decimal.Decimal, len(a.positions))
	if !equity.IsPositive() {
		return weights
	}
	for sym, pos := range a.positions {
		weights[sym] = pos.MarketValue().Div(equity)
	}
	return weights
}

// RebalanceOrders computes the order deltas that move current holdings
// toward targetWeights at the given prices. Instruments held but absent
// from the target set are fully liquidated. Orders below the configured
// minimum notional are dropped. Sells are emitted before buys so sale
// proceeds can fund purchases; buys are emitted in strategy-reported order
// and any buy that would push cash below zero is skipped for the session,
// not retried. Buys that would exceed the position cap are rejected.
// The second return value counts skipped and rejected buys.
func (a *Account) RebalanceOrders(
	targetWeights map[string]decimal.Decimal,
	prices map[string]decimal.Decimal,
	preference []string,
	now time.Time,
) ([]types.Order, int) {
	equity := a.Equity()

	// Union of held and targeted instruments; held-but-untargeted means
	// target zero.
	deltas := make(map[string]decimal.Decimal)
	for sym, weight := range targetWeights {
		price, ok := prices[sym]
		if !ok || !price.IsPositive() {
			continue
		}
		targetShares := weight.Mul(equity).Div(price).Floor()
		deltas[sym] = targetShares.Sub(a.heldShares(sym))
	}
	for sym := range a.positions {
		if _, targeted := targetWeights[sym]; !targeted {
			deltas[sym] = a.heldShares(sym).Neg()
		}
	}

	var sells, buys []types.Order
	rejected := 0

	emit := func(sym string, delta decimal.Decimal) *types.Order {
		price := a.priceFor(sym, prices)
		if price.IsZero() {
			return nil
		}
		if delta.Abs().Mul(price).LessThan(a.rebalance.MinOrderNotional) {
			return nil
		}
		side := types.SideBuy
		if delta.IsNegative() {
			side = types.SideSell
		}
		return &types.Order{
			Symbol:    sym,
			Side:      side,
			Quantity:  delta.Abs(),
			CreatedAt: now,
		}
	}

	for sym, delta := range deltas {
		if delta.IsNegative() {
			if o := emit(sym, delta); o != nil {
				sells = append(sells, *o)
			}
		}
	}
	// Deterministic sell order keeps runs reproducible.
	sort.Slice(sells, func(i, j int) bool { return sells[i].Symbol < sells[j].Symbol })

	// Project cash through the sells before funding buys. Proceeds are
	// net of commission and slippage so the projection never overstates
	// what settlement will leave.
	projected := a.cash
	for _, o := range sells {
		projected = projected.Add(a.sellProceeds(o.Quantity, a.priceFor(o.Symbol, prices)))
	}

	openCount := len(a.positions)
	for _, o := range sells {
		if o.Quantity.Equal(a.heldShares(o.Symbol)) {
			openCount--
		}
	}

	for _, sym := range buyOrderPreference(deltas, preference) {
		delta := deltas[sym]
		if !delta.IsPositive() {
			continue
		}
		o := emit(sym, delta)
		if o == nil {
			continue
		}
		// Funding check covers the full cash outflow, commission and
		// slippage included, not just the raw notional.
		cost := a.buyCost(o.Quantity, a.priceFor(sym, prices))
		if projected.Sub(cost).IsNegative() {
			a.logger.Debug("skipping buy, insufficient cash",
				zap.String("symbol", sym),
				zap.String("cost", cost.String()),
				zap.String("cash", projected.String()),
			)
			rejected++
			continue
		}
		isNew := a.heldShares(sym).IsZero()
		if isNew && a.rebalance.MaxPositions > 0 && openCount >= a.rebalance.MaxPositions {
			a.logger.Debug("rejecting buy, position limit reached",
				zap.String("symbol", sym),
				zap.Int("limit", a.rebalance.MaxPositions),
			)
			rejected++
			continue
		}
		projected = projected.Sub(cost)
		if isNew {
			openCount++
		}
		buys = append(buys, *o)
	}

	return append(sells, buys...), rejected
}

// LiquidationOrders sells just enough shares, largest holding first, to
// bring projected cash back to the configured minimum. Positions are
// trimmed, not flattened: only the shares needed to cover the shortfall
// are sold.
func (a *Account) LiquidationOrders(now time.Time) []types.Order {
	if a.cash.GreaterThanOrEqual(a.rebalance.MinCash) {
		return nil
	}
	type holding struct {
		symbol string
		value  decimal.Decimal
		price  decimal.Decimal
		qty    decimal.Decimal
	}
	var holdings []holding
	for sym, pos := range a.positions {
		if pos.Quantity.IsPositive() && pos.LastPrice.IsPositive() {
			holdings = append(holdings, holding{sym, pos.MarketValue(), pos.LastPrice, pos.Quantity})
		}
	}
	sort.Slice(holdings, func(i, j int) bool {
		if !holdings[i].value.Equal(holdings[j].value) {
			return holdings[i].value.GreaterThan(holdings[j].value)
		}
		return holdings[i].symbol < holdings[j].symbol
	})

	projected := a.cash
	var orders []types.Order
	for _, h := range holdings {
		shortfall := a.rebalance.MinCash.Sub(projected)
		if !shortfall.IsPositive() {
			break
		}
		perShare := a.sellProceeds(decimal.NewFromInt(1), h.price)
		if !perShare.IsPositive() {
			continue
		}
		qty := shortfall.Div(perShare).Ceil()
		if qty.GreaterThan(h.qty) {
			qty = h.qty
		}
		orders = append(orders, types.Order{
			Symbol:    h.symbol,
			Side:      types.SideSell,
			Quantity:  qty,
			CreatedAt: now,
		})
		projected = projected.Add(a.sellProceeds(qty, h.price))
	}
	return orders
}

// buyCost estimates the full cash outflow of a buy: notional at the
// slippage-adjusted price plus commission on that notional.
func (a *Account) buyCost(qty, price decimal.Decimal) decimal.Decimal {
	notional := qty.Mul(a.slippedPrice(price, types.SideBuy))
	return notional.Add(notional.Mul(a.commissionRate))
}

// sellProceeds estimates the net cash inflow of a sell after slippage
// and commission.
func (a *Account) sellProceeds(qty, price decimal.Decimal) decimal.Decimal {
	notional := qty.Mul(a.slippedPrice(price, types.SideSell))
	return notional.Sub(notional.Mul(a.commissionRate))
}

func (a *Account) slippedPrice(price decimal.Decimal, side types.Side) decimal.Decimal {
	if !a.slippageBps.IsPositive() {
		return price
	}
	slip := a.slippageBps.Div(decimal.NewFromInt(10000))
	if side == types.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(slip))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(slip))
}

func (a *Account) heldShares(symbol string) decimal.Decimal {
	if pos, ok := a.positions[symbol]; ok {
		return pos.Quantity
	}
	return decimal.Zero
}

func (a *Account) priceFor(symbol string, prices map[string]decimal.Decimal) decimal.Decimal {
	if p, ok := prices[symbol]; ok {
		return p
	}
	return a.lastPrices[symbol]
}

// buyOrderPreference returns buy candidates in strategy-reported order,
// followed by any remaining candidates sorted by symbol.
func buyOrderPreference(deltas map[string]decimal.Decimal, preference []string) []string {
	seen := make(map[string]bool, len(deltas))
	var out []string
	for _, sym := range preference {
		if _, ok := deltas[sym]; ok && !seen[sym] {
			out = append(out, sym)
			seen[sym] = true
		}
	}
	var rest []string
	for sym := range deltas {
		if !seen[sym] {
			rest = append(rest, sym)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
