// Package backtester provides simulated order execution.
package backtester

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

// ExecutionModel turns a rebalance order into a fill at the session's
// trade price. Implementations may return a nil fill to indicate the order
// could not be executed this session.
type ExecutionModel interface {
	Fill(order types.Order, bar types.OHLCV) (*types.Fill, error)
}

// SimulatedExecution fills orders at a configurable session price
// (open, close, or a VWAP proxy), applies fixed basis-point slippage
// against the order, and charges commission on the filled notional.
type SimulatedExecution struct {
	policy         types.TradePricePolicy
	commissionRate decimal.Decimal
	slippageBps    decimal.Decimal
}

// NewSimulatedExecution creates an execution model from run configuration.
func NewSimulatedExecution(policy types.TradePricePolicy, commissionRate, slippageBps decimal.Decimal) *SimulatedExecution {
	if policy == "" {
		policy = types.TradePriceClose
	}
	return &SimulatedExecution{
		policy:         policy,
		commissionRate: commissionRate,
		slippageBps:    slippageBps,
	}
}

// Fill executes the order against the session bar.
func (e *SimulatedExecution) Fill(order types.Order, bar types.OHLCV) (*types.Fill, error) {
	if !order.Quantity.IsPositive() {
		return nil, fmt.Errorf("non-positive order quantity %s for %s", order.Quantity, order.Symbol)
	}

	price, err := e.tradePrice(bar)
	if err != nil {
		return nil, err
	}

	// Slippage moves the price against the order.
	if e.slippageBps.IsPositive() {
		slip := e.slippageBps.Div(decimal.NewFromInt(10000))
		if order.Side == types.SideBuy {
			price = price.Mul(decimal.NewFromInt(1).Add(slip))
		} else {
			price = price.Mul(decimal.NewFromInt(1).Sub(slip))
		}
	}

	commission := order.Quantity.Mul(price).Mul(e.commissionRate)

	return &types.Fill{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      price,
		Commission: commission,
		Timestamp:  bar.Timestamp,
	}, nil
}

func (e *SimulatedExecution) tradePrice(bar types.OHLCV) (decimal.Decimal, error) {
	var price decimal.Decimal
	switch e.policy {
	case types.TradePriceOpen:
		price = bar.Open
	case types.TradePriceClose:
		price = bar.Close
	case types.TradePriceVWAP:
		price = bar.VWAP()
	default:
		return decimal.Zero, fmt.Errorf("unknown trade price policy %q", e.policy)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive trade price for %s at %s", bar.Symbol, bar.Timestamp)
	}
	return price, nil
}
