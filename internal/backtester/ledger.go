// Package backtester provides FIFO lot matching for the trade ledger.
package backtester

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

// lotQueues holds the open lots for one instrument, oldest first.
// Long entries (buy-then-sell) and short entries (sell-then-buy) are
// matched independently.
type lotQueues struct {
	long  []*types.Lot
	short []*types.Lot
}

// Ledger consumes raw fills and produces matched, completed round-trip
// trades per instrument under a strict FIFO discipline: an incoming fill
// always closes the oldest open lot of the opposing side first.
type Ledger struct {
	logger    *zap.Logger
	queues    map[string]*lotQueues
	completed []types.CompletedTrade
	fills     map[string][]types.Fill

	// longOnly treats a sell with no long exposure as a data/strategy bug:
	// the breach is counted and the fill still opens a short lot so the
	// ledger stays complete.
	longOnly          bool
	invariantBreaches int
}

// NewLedger creates an empty ledger.
func NewLedger(logger *zap.Logger, longOnly bool) *Ledger {
	return &Ledger{
		logger:   logger,
		queues:   make(map[string]*lotQueues),
		fills:    make(map[string][]types.Fill),
		longOnly: longOnly,
	}
}

// Apply matches one fill against the open lots for its instrument and
// returns the completed trades it produced, zero or more. Any unmatched
// remainder becomes a new open lot.
func (l *Ledger) Apply(fill types.Fill) []types.CompletedTrade {
	q := l.queues[fill.Symbol]
	if q == nil {
		q = &lotQueues{}
		l.queues[fill.Symbol] = q
	}
	l.fills[fill.Symbol] = append(l.fills[fill.Symbol], fill)

	var opposing *[]*types.Lot
	if fill.Side == types.SideSell {
		opposing = &q.long
	} else {
		opposing = &q.short
	}

	if l.longOnly && fill.Side == types.SideSell && len(q.long) == 0 {
		l.invariantBreaches++
		l.logger.Warn("sell fill with no long exposure in long-only mode",
			zap.String("symbol", fill.Symbol),
			zap.String("quantity", fill.Quantity.String()),
		)
	}

	remaining := fill.Quantity
	commissionLeft := fill.Commission
	var closed []types.CompletedTrade

	for remaining.IsPositive() && len(*opposing) > 0 {
		oldest := (*opposing)[0]
		matched := decimal.Min(remaining, oldest.Remaining)

		// Pro-rate the incoming fill's commission over the quantity it
		// closes, and consume the entry lot's commission likewise.
		exitComm := fill.Commission.Mul(matched).Div(fill.Quantity)
		entryComm := oldest.Commission.Mul(matched).Div(oldest.Remaining)

		closed = append(closed, newCompletedTrade(oldest, fill, matched, entryComm.Add(exitComm)))

		commissionLeft = commissionLeft.Sub(exitComm)
		oldest.Commission = oldest.Commission.Sub(entryComm)
		oldest.Remaining = oldest.Remaining.Sub(matched)
		remaining = remaining.Sub(matched)

		if !oldest.Remaining.IsPositive() {
			*opposing = (*opposing)[1:]
		}
	}

	if remaining.IsPositive() {
		lot := &types.Lot{
			Symbol:     fill.Symbol,
			Side:       fill.Side,
			Remaining:  remaining,
			EntryPrice: fill.Price,
			EntryTime:  fill.Timestamp,
			Commission: commissionLeft,
		}
		if fill.Side == types.SideBuy {
			q.long = append(q.long, lot)
		} else {
			q.short = append(q.short, lot)
		}
	}

	l.completed = append(l.completed, closed...)
	return closed
}

// newCompletedTrade builds one round trip from a consumed lot and the
// closing fill.
func newCompletedTrade(lot *types.Lot, fill types.Fill, matched, commission decimal.Decimal) types.CompletedTrade {
	gross := fill.Price.Sub(lot.EntryPrice).Mul(matched).Mul(lot.Side.Sign())
	pnl := gross.Sub(commission)

	notional := lot.EntryPrice.Mul(matched)
	var returnPct decimal.Decimal
	if notional.IsPositive() {
		returnPct = pnl.Div(notional).Mul(decimal.NewFromInt(100))
	}

	holdingDays := int(fill.Timestamp.Sub(lot.EntryTime).Hours() / 24)

	return types.CompletedTrade{
		Symbol:      lot.Symbol,
		Side:        lot.Side,
		EntryTime:   lot.EntryTime,
		ExitTime:    fill.Timestamp,
		EntryPrice:  lot.EntryPrice,
		ExitPrice:   fill.Price,
		Quantity:    matched,
		PnL:         pnl,
		ReturnPct:   returnPct,
		HoldingDays: holdingDays,
		Commission:  commission,
	}
}

// CompletedTrades returns all round trips matched so far, in closing order.
func (l *Ledger) CompletedTrades() []types.CompletedTrade {
	out := make([]types.CompletedTrade, len(l.completed))
	copy(out, l.completed)
	return out
}

// OpenLots returns the open lots for a symbol, oldest first, longs before
// shorts.
func (l *Ledger) OpenLots(symbol string) []types.Lot {
	q := l.queues[symbol]
	if q == nil {
		return nil
	}
	out := make([]types.Lot, 0, len(q.long)+len(q.short))
	for _, lot := range q.long {
		out = append(out, *lot)
	}
	for _, lot := range q.short {
		out = append(out, *lot)
	}
	return out
}

// Fills returns the raw fill history for a symbol in replay order.
func (l *Ledger) Fills(symbol string) []types.Fill {
	fills := l.fills[symbol]
	out := make([]types.Fill, len(fills))
	copy(out, fills)
	return out
}

// InvariantBreaches reports how many fills violated the long-only matching
// invariant.
func (l *Ledger) InvariantBreaches() int {
	return l.invariantBreaches
}
