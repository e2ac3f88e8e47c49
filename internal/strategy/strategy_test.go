package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

var testDate = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func barWithClose(close float64) types.OHLCV {
	return types.OHLCV{Symbol: "AAPL", Timestamp: testDate, Close: d(close)}
}

func row(sym string, price, volumeAmount, per float64) types.SnapshotRow {
	return types.SnapshotRow{
		Symbol:       sym,
		Price:        d(price),
		VolumeAmount: d(volumeAmount),
		PER:          d(per),
	}
}

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	names := r.List()
	assert.Contains(t, names, "momentum")
	assert.Contains(t, names, "top_volume")
	assert.Contains(t, names, "low_valuation")

	s, ok := r.Create("momentum")
	require.True(t, ok)
	assert.Equal(t, "momentum", s.Name())

	_, ok = r.Create("nope")
	assert.False(t, ok)
}

func TestRegistryCreateReturnsFreshInstances(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	a, _ := r.Create("momentum")
	b, _ := r.Create("momentum")
	assert.NotSame(t, a, b)
}

func TestMomentumExposure(t *testing.T) {
	s := NewMomentum(3)

	// Warmup period: flat.
	for _, close := range []float64{100, 101, 102} {
		exp, err := s.OnBar(barWithClose(close))
		require.NoError(t, err)
		assert.True(t, exp.IsZero(), "flat during warmup")
	}

	// Close above close of 3 bars ago: fully invested.
	exp, err := s.OnBar(barWithClose(103))
	require.NoError(t, err)
	assert.True(t, exp.Equal(d(1)))

	// Falling below: flat again.
	exp, err = s.OnBar(barWithClose(95))
	require.NoError(t, err)
	assert.True(t, exp.IsZero())
}

func TestMomentumReset(t *testing.T) {
	s := NewMomentum(2)
	s.OnBar(barWithClose(100))
	s.OnBar(barWithClose(101))
	s.OnBar(barWithClose(102))

	s.Reset()
	exp, err := s.OnBar(barWithClose(200))
	require.NoError(t, err)
	assert.True(t, exp.IsZero(), "history cleared after reset")
}

func TestTopVolumeSelectsByTradedAmount(t *testing.T) {
	s := NewTopVolume(2, d(0.95))
	snapshot := types.Snapshot{
		"AAA": row("AAA", 100, 3_000_000, 10),
		"BBB": row("BBB", 50, 9_000_000, 10),
		"CCC": row("CCC", 10, 1_000_000, 10),
		"DDD": row("DDD", 0, 9_999_999, 10), // non-positive price excluded
	}

	universe, err := s.SelectUniverse(testDate, snapshot)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBB", "AAA"}, universe)

	weights, err := s.TargetWeights(universe, snapshot)
	require.NoError(t, err)
	require.Len(t, weights, 2)
	// Equal split of the 0.95 maximum exposure.
	assert.True(t, weights["AAA"].Equal(d(0.475)), "weight=%s", weights["AAA"])

	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}
	assert.True(t, sum.LessThanOrEqual(d(1)))
}

func TestTopVolumeDeterministicTieBreak(t *testing.T) {
	s := NewTopVolume(1, d(1))
	snapshot := types.Snapshot{
		"BBB": row("BBB", 50, 1_000_000, 10),
		"AAA": row("AAA", 100, 1_000_000, 10),
	}

	universe, err := s.SelectUniverse(testDate, snapshot)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, universe, "symbol order breaks volume ties")
}

func TestLowValuationFiltersAndSorts(t *testing.T) {
	s := NewLowValuation(2, d(15))
	snapshot := types.Snapshot{
		"AAA": row("AAA", 100, 1_000_000, 8),
		"BBB": row("BBB", 50, 1_000_000, 3),
		"CCC": row("CCC", 10, 1_000_000, 20), // above the PER cap
		"DDD": row("DDD", 10, 1_000_000, -5), // negative PER excluded
		"EEE": row("EEE", 10, 1_000_000, 12),
	}

	universe, err := s.SelectUniverse(testDate, snapshot)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBB", "AAA"}, universe, "cheapest first, capped at topN")
}

func TestUniverseCapabilityFlags(t *testing.T) {
	var _ UniverseStrategy = NewTopVolume(10, d(0.95))
	var _ UniverseStrategy = NewLowValuation(10, d(15))

	assert.True(t, NewTopVolume(10, d(0.95)).SelectsUniverse())
	assert.True(t, NewLowValuation(10, d(15)).SelectsUniverse())
}

func TestEmptySnapshotYieldsEmptyUniverse(t *testing.T) {
	s := NewTopVolume(5, d(1))
	universe, err := s.SelectUniverse(testDate, types.Snapshot{})
	require.NoError(t, err)
	assert.Empty(t, universe)

	weights, err := s.TargetWeights(universe, types.Snapshot{})
	require.NoError(t, err)
	assert.Empty(t, weights)
}
