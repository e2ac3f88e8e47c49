// Package types provides shared type definitions for the backtest engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents buy or sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Interval represents a bar interval.
type Interval string

const (
	IntervalDaily  Interval = "1d"
	IntervalWeekly Interval = "1w"
	IntervalHourly Interval = "1h"
)

// OHLCV represents a single price bar.
type OHLCV struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// VWAP returns the (H+L+C)/3 proxy used as a session trade price.
func (b OHLCV) VWAP() decimal.Decimal {
	return b.High.Add(b.Low).Add(b.Close).Div(decimal.NewFromInt(3))
}

// SnapshotRow is one instrument's point-in-time market/fundamental data.
type SnapshotRow struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	VolumeAmount decimal.Decimal `json:"volumeAmount"`
	PER          decimal.Decimal `json:"per,omitempty"`
	PBR          decimal.Decimal `json:"pbr,omitempty"`
	MarketCap    decimal.Decimal `json:"marketCap,omitempty"`
}

// Snapshot is the per-instrument table for one session date. An empty map
// means no data exists for the date; that is not an error.
type Snapshot map[string]SnapshotRow

// Order is a rebalance delta handed to the execution model.
type Order struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Fill is one executed order leg produced by the execution model.
type Fill struct {
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Lot is an open, unmatched quantity from a single fill, awaiting an
// opposing fill to close it.
type Lot struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Remaining  decimal.Decimal `json:"remaining"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	EntryTime  time.Time       `json:"entryTime"`
	Commission decimal.Decimal `json:"commission"`
}

// CompletedTrade is a fully or partially closed round trip produced by
// FIFO lot matching.
type CompletedTrade struct {
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"` // side of the opening lot
	EntryTime   time.Time       `json:"entryTime"`
	ExitTime    time.Time       `json:"exitTime"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	ExitPrice   decimal.Decimal `json:"exitPrice"`
	Quantity    decimal.Decimal `json:"quantity"`
	PnL         decimal.Decimal `json:"pnl"`
	ReturnPct   decimal.Decimal `json:"returnPct"`
	HoldingDays int             `json:"holdingDays"`
	Commission  decimal.Decimal `json:"commission"`
}

// Position is the current holding in one instrument.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"` // signed: negative for net short
	AvgCost     decimal.Decimal `json:"avgCost"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	OpenedAt    time.Time       `json:"openedAt"`
}

// MarketValue returns quantity times the last known price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.LastPrice)
}

// UnrealizedPnL returns the mark-to-market gain on the open quantity.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	return p.Quantity.Mul(p.LastPrice.Sub(p.AvgCost))
}

// EquityPoint is one sample of the account equity time series.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Cash      decimal.Decimal `json:"cash"`
}

// SymbolPerformance aggregates completed-trade statistics for one instrument.
type SymbolPerformance struct {
	Symbol         string          `json:"symbol"`
	TotalReturn    decimal.Decimal `json:"totalReturn"` // Σ pnl / initial capital
	TotalPnL       decimal.Decimal `json:"totalPnl"`
	TradeCount     int             `json:"tradeCount"`
	WinRate        decimal.Decimal `json:"winRate"` // percent
	ProfitFactor   decimal.Decimal `json:"profitFactor"`
	AvgHoldingDays decimal.Decimal `json:"avgHoldingDays"`
}

// BacktestResult is the final, immutable output of a run.
type BacktestResult struct {
	ID                 string              `json:"backtestId"`
	StartDate          time.Time           `json:"startDate"`
	EndDate            time.Time           `json:"endDate"`
	InitialCapital     decimal.Decimal     `json:"initialCapital"`
	FinalEquity        decimal.Decimal     `json:"finalEquity"`
	TotalReturn        decimal.Decimal     `json:"totalReturn"`
	MaxDrawdown        decimal.Decimal     `json:"mdd"` // positive magnitude
	SharpeRatio        decimal.Decimal     `json:"sharpeRatio"`
	WinRate            decimal.Decimal     `json:"winRate"`
	ProfitFactor       decimal.Decimal     `json:"profitFactor"`
	TotalTrades        int                 `json:"totalTrades"`
	EquityCurve        []decimal.Decimal   `json:"equityCurve"`
	EquityTimestamps   []time.Time         `json:"equityTimestamps"`
	SymbolPerformances []SymbolPerformance `json:"symbolPerformances"`
	SkippedSessions    int                 `json:"skippedSessions"`
	RejectedOrders     int                 `json:"rejectedOrders"`
	ClampedWeights     int                 `json:"clampedWeights"`
	MonteCarlo         *MonteCarloResult   `json:"monteCarlo,omitempty"`
	StartedAt          time.Time           `json:"startedAt"`
	CompletedAt        time.Time           `json:"completedAt"`
}

// SymbolDetail is the on-demand per-instrument report.
type SymbolDetail struct {
	Performance SymbolPerformance `json:"performance"`
	Trades      []CompletedTrade  `json:"trades"`
	Fills       []Fill            `json:"fills"`
}

// Progress reports the state of a running backtest.
type Progress struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"` // "running", "completed", "failed", "cancelled"
	SessionsDone    int             `json:"sessionsDone"`
	TotalSessions   int             `json:"totalSessions"`
	CurrentDate     time.Time       `json:"currentDate"`
	TradesCompleted int             `json:"tradesCompleted"`
	CurrentEquity   decimal.Decimal `json:"currentEquity"`
	Error           string          `json:"error,omitempty"`
}

// MonteCarloResult holds bootstrap statistics over the trade pnl sequence.
type MonteCarloResult struct {
	Iterations      int             `json:"iterations"`
	MedianReturn    decimal.Decimal `json:"medianReturn"`
	P5Return        decimal.Decimal `json:"p5Return"`
	P95Return       decimal.Decimal `json:"p95Return"`
	MaxDrawdownP95  decimal.Decimal `json:"maxDrawdownP95"`
	ProbabilityRuin decimal.Decimal `json:"probabilityRuin"`
}

// WalkForwardResult aggregates windowed re-runs of a backtest.
type WalkForwardResult struct {
	Windows []WalkForwardWindow `json:"windows"`
}

// WalkForwardWindow is a single sub-range run.
type WalkForwardWindow struct {
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	TotalReturn decimal.Decimal `json:"totalReturn"`
	MaxDrawdown decimal.Decimal `json:"maxDrawdown"`
	TradeCount  int             `json:"tradeCount"`
}
