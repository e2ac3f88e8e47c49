// Package strategy provides trading strategy implementations.
package strategy

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

// Strategy is the per-bar decision policy every strategy implements.
// OnBar returns the target exposure in [0, 1] for the instrument the bar
// belongs to; the engine translates exposure into rebalancing orders.
type Strategy interface {
	Name() string
	OnBar(bar types.OHLCV) (decimal.Decimal, error)
	Reset()
}

// UniverseStrategy adds portfolio capabilities on top of the per-bar
// decision: selecting the instrument universe for a session date and
// assigning target weights across it. SelectsUniverse is an explicit
// capability flag so the engine's mode selection is a testable boolean
// rather than a runtime type check; a strategy may implement the
// interface and still opt out by returning false.
type UniverseStrategy interface {
	Strategy
	SelectsUniverse() bool
	// SelectUniverse returns the instruments the strategy is willing to
	// hold on the date, in preference order. Empty means hold cash.
	SelectUniverse(date time.Time, snapshot types.Snapshot) ([]string, error)
	// TargetWeights maps the selected universe to non-negative weights
	// that should sum to at most 1.0.
	TargetWeights(universe []string, snapshot types.Snapshot) (map[string]decimal.Decimal, error)
}

// Registry manages available strategies by name.
type Registry struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	factories map[string]func() Strategy
}

// NewRegistry creates a registry with the built-in strategies registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]func() Strategy),
	}
	r.Register("momentum", func() Strategy { return NewMomentum(20) })
	r.Register("top_volume", func() Strategy { return NewTopVolume(10, decimal.NewFromFloat(0.95)) })
	r.Register("low_valuation", func() Strategy { return NewLowValuation(10, decimal.NewFromInt(15)) })
	return r
}

// Register adds a strategy factory.
func (r *Registry) Register(name string, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates a strategy by name.
func (r *Registry) Create(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// List returns registered strategy names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Momentum is a single-instrument strategy: fully invested while the
// close is above the close of period bars ago, flat otherwise.
type Momentum struct {
	period int
	closes []decimal.Decimal
}

// NewMomentum creates a momentum strategy with the given lookback.
func NewMomentum(period int) *Momentum {
	return &Momentum{period: period}
}

func (s *Momentum) Name() string { return "momentum" }

func (s *Momentum) OnBar(bar types.OHLCV) (decimal.Decimal, error) {
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) <= s.period {
		return decimal.Zero, nil
	}
	if len(s.closes) > s.period+1 {
		s.closes = s.closes[1:]
	}
	past := s.closes[0]
	if bar.Close.GreaterThan(past) {
		return decimal.NewFromInt(1), nil
	}
	return decimal.Zero, nil
}

func (s *Momentum) Reset() { s.closes = s.closes[:0] }

// TopVolume is a portfolio strategy holding the top-N instruments by
// traded amount, equally weighted.
type TopVolume struct {
	topN        int
	maxExposure decimal.Decimal
}

// NewTopVolume creates a top-volume strategy. maxExposure bounds the sum
// of target weights so a cash buffer remains.
func NewTopVolume(topN int, maxExposure decimal.Decimal) *TopVolume {
	return &TopVolume{topN: topN, maxExposure: maxExposure}
}

func (s *TopVolume) Name() string { return "top_volume" }

func (s *TopVolume) OnBar(bar types.OHLCV) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func (s *TopVolume) Reset() {}

func (s *TopVolume) SelectsUniverse() bool { return true }

func (s *TopVolume) SelectUniverse(date time.Time, snapshot types.Snapshot) ([]string, error) {
	symbols := make([]string, 0, len(snapshot))
	for sym, row := range snapshot {
		if row.Price.IsPositive() && row.VolumeAmount.IsPositive() {
			symbols = append(symbols, sym)
		}
	}
	sort.Slice(symbols, func(i, j int) bool {
		vi, vj := snapshot[symbols[i]].VolumeAmount, snapshot[symbols[j]].VolumeAmount
		if !vi.Equal(vj) {
			return vi.GreaterThan(vj)
		}
		return symbols[i] < symbols[j]
	})
	if len(symbols) > s.topN {
		symbols = symbols[:s.topN]
	}
	return symbols, nil
}

func (s *TopVolume) TargetWeights(universe []string, snapshot types.Snapshot) (map[string]decimal.Decimal, error) {
	return equalWeights(universe, s.maxExposure), nil
}

// LowValuation is a portfolio strategy holding the N cheapest instruments
// by price-earnings ratio, equally weighted.
type LowValuation struct {
	topN   int
	maxPER decimal.Decimal
}

// NewLowValuation creates a low-valuation strategy holding instruments
// with 0 < PER < maxPER.
func NewLowValuation(topN int, maxPER decimal.Decimal) *LowValuation {
	return &LowValuation{topN: topN, maxPER: maxPER}
}

func (s *LowValuation) Name() string { return "low_valuation" }

func (s *LowValuation) OnBar(bar types.OHLCV) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func (s *LowValuation) Reset() {}

func (s *LowValuation) SelectsUniverse() bool { return true }

func (s *LowValuation) SelectUniverse(date time.Time, snapshot types.Snapshot) ([]string, error) {
	symbols := make([]string, 0, len(snapshot))
	for sym, row := range snapshot {
		if row.Price.IsPositive() && row.PER.IsPositive() && row.PER.LessThan(s.maxPER) {
			symbols = append(symbols, sym)
		}
	}
	sort.Slice(symbols, func(i, j int) bool {
		pi, pj := snapshot[symbols[i]].PER, snapshot[symbols[j]].PER
		if !pi.Equal(pj) {
			return pi.LessThan(pj)
		}
		return symbols[i] < symbols[j]
	})
	if len(symbols) > s.topN {
		symbols = symbols[:s.topN]
	}
	return symbols, nil
}

func (s *LowValuation) TargetWeights(universe []string, snapshot types.Snapshot) (map[string]decimal.Decimal, error) {
	return equalWeights(universe, decimal.NewFromInt(1)), nil
}

func equalWeights(universe []string, maxExposure decimal.Decimal) map[string]decimal.Decimal {
	weights := make(map[string]decimal.Decimal, len(universe))
	if len(universe) == 0 {
		return weights
	}
	per := maxExposure.Div(decimal.NewFromInt(int64(len(universe))))
	for _, sym := range universe {
		weights[sym] = per
	}
	return weights
}
