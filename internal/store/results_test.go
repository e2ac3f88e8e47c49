package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

func newTestResultStore(t *testing.T) *ResultStore {
	t.Helper()
	store, err := NewResultStore(zap.NewNop(), filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleResult(id string, completedAt time.Time) *types.BacktestResult {
	return &types.BacktestResult{
		ID:             id,
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		InitialCapital: decimal.NewFromInt(100_000),
		FinalEquity:    decimal.NewFromInt(112_500),
		TotalReturn:    decimal.NewFromFloat(0.125),
		MaxDrawdown:    decimal.NewFromFloat(0.04),
		SharpeRatio:    decimal.NewFromFloat(1.3),
		WinRate:        decimal.NewFromInt(60),
		ProfitFactor:   decimal.NewFromFloat(2.1),
		TotalTrades:    24,
		EquityCurve:    []decimal.Decimal{decimal.NewFromInt(100_000), decimal.NewFromInt(112_500)},
		CompletedAt:    completedAt,
	}
}

func TestResultStoreRoundTrip(t *testing.T) {
	store := newTestResultStore(t)
	ctx := context.Background()

	original := sampleResult("run-1", time.Now().UTC())
	require.NoError(t, store.Save(ctx, "top_volume", original))

	loaded, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, original.ID, loaded.ID)
	assert.True(t, loaded.TotalReturn.Equal(original.TotalReturn))
	assert.True(t, loaded.FinalEquity.Equal(original.FinalEquity))
	assert.Equal(t, original.TotalTrades, loaded.TotalTrades)
	require.Len(t, loaded.EquityCurve, 2)
	assert.True(t, loaded.EquityCurve[1].Equal(decimal.NewFromInt(112_500)))
}

func TestResultStoreGetMissing(t *testing.T) {
	store := newTestResultStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResultStoreListNewestFirst(t *testing.T) {
	store := newTestResultStore(t)
	ctx := context.Background()

	base := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, "momentum", sampleResult("run-old", base)))
	require.NoError(t, store.Save(ctx, "momentum", sampleResult("run-new", base.Add(time.Hour))))

	summaries, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "run-new", summaries[0].ID)
	assert.Equal(t, "run-old", summaries[1].ID)
	assert.Equal(t, "momentum", summaries[0].Strategy)
}

func TestResultStoreSaveOverwrites(t *testing.T) {
	store := newTestResultStore(t)
	ctx := context.Background()

	first := sampleResult("run-1", time.Now().UTC())
	require.NoError(t, store.Save(ctx, "momentum", first))

	updated := sampleResult("run-1", time.Now().UTC())
	updated.TotalTrades = 99
	require.NoError(t, store.Save(ctx, "momentum", updated))

	loaded, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 99, loaded.TotalTrades)

	summaries, err := store.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}

func TestResultStoreDelete(t *testing.T) {
	store := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "momentum", sampleResult("run-1", time.Now().UTC())))
	require.NoError(t, store.Delete(ctx, "run-1"))

	_, err := store.Get(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, store.Delete(ctx, "run-1"))
}
