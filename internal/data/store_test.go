package data

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(zap.NewNop(), types.DataConfig{DataDir: t.TempDir(), CacheSize: 4})
	require.NoError(t, err)
	return store
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func bar(sym string, ts time.Time, close float64) types.OHLCV {
	c := decimal.NewFromFloat(close)
	return types.OHLCV{
		Symbol:    sym,
		Timestamp: ts,
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
		Volume:    decimal.NewFromInt(1000),
	}
}

func TestStoreRoundTripBars(t *testing.T) {
	store := newTestStore(t)

	series := []types.OHLCV{
		bar("AAPL", day(2024, 1, 3), 101),
		bar("AAPL", day(2024, 1, 2), 100),
		bar("AAPL", day(2024, 1, 4), 102),
	}
	require.NoError(t, store.SaveOHLCV("AAPL", types.IntervalDaily, series))

	got, err := store.GetMultiOHLC(context.Background(), []string{"AAPL"}, types.IntervalDaily, day(2024, 1, 1), day(2024, 1, 31))
	require.NoError(t, err)
	require.Len(t, got["AAPL"], 3)

	// Chronological regardless of save order.
	for i := 1; i < len(got["AAPL"]); i++ {
		assert.True(t, got["AAPL"][i-1].Timestamp.Before(got["AAPL"][i].Timestamp))
	}
}

func TestStoreRangeFiltering(t *testing.T) {
	store := newTestStore(t)

	var series []types.OHLCV
	for d := 1; d <= 10; d++ {
		series = append(series, bar("MSFT", day(2024, 1, d), 100+float64(d)))
	}
	require.NoError(t, store.SaveOHLCV("MSFT", types.IntervalDaily, series))

	got, err := store.GetMultiOHLC(context.Background(), []string{"MSFT"}, types.IntervalDaily, day(2024, 1, 3), day(2024, 1, 7))
	require.NoError(t, err)
	require.Len(t, got["MSFT"], 5)
	assert.Equal(t, day(2024, 1, 3), got["MSFT"][0].Timestamp)
	assert.Equal(t, day(2024, 1, 7), got["MSFT"][4].Timestamp)
}

func TestStoreMissingSymbolAbsent(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveOHLCV("AAPL", types.IntervalDaily, []types.OHLCV{bar("AAPL", day(2024, 1, 2), 100)}))

	got, err := store.GetMultiOHLC(context.Background(), []string{"AAPL", "GHOST"}, types.IntervalDaily, day(2024, 1, 1), day(2024, 1, 31))
	require.NoError(t, err)
	assert.Contains(t, got, "AAPL")
	assert.NotContains(t, got, "GHOST")
}

func TestStoreMissingSnapshotIsEmptyNotError(t *testing.T) {
	store := newTestStore(t)

	snapshot, err := store.GetMarketSnapshot(context.Background(), day(2024, 6, 3), nil)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestStoreSnapshotRoundTripAndFilter(t *testing.T) {
	store := newTestStore(t)

	date := day(2024, 6, 3)
	saved := types.Snapshot{
		"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(190), VolumeAmount: decimal.NewFromInt(5_000_000)},
		"MSFT": {Symbol: "MSFT", Price: decimal.NewFromInt(420), VolumeAmount: decimal.NewFromInt(3_000_000)},
		"NVDA": {Symbol: "NVDA", Price: decimal.NewFromInt(120), VolumeAmount: decimal.NewFromInt(9_000_000)},
	}
	require.NoError(t, store.SaveSnapshot(date, saved))

	full, err := store.GetMarketSnapshot(context.Background(), date, nil)
	require.NoError(t, err)
	assert.Len(t, full, 3)
	assert.True(t, full["MSFT"].Price.Equal(decimal.NewFromInt(420)))

	filtered, err := store.GetMarketSnapshot(context.Background(), date, []string{"AAPL", "GHOST"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "AAPL", filtered["AAPL"].Symbol)
}

func TestStoreCachesReads(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveSnapshot(day(2024, 6, 3), types.Snapshot{
		"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(190)},
	}))
	require.NoError(t, store.SaveOHLCV("AAPL", types.IntervalDaily, []types.OHLCV{bar("AAPL", day(2024, 6, 3), 190)}))

	bars, snaps := store.CacheLen()
	assert.Equal(t, 1, bars)
	assert.Equal(t, 1, snaps)
}

func TestStoreConcurrentReads(t *testing.T) {
	store := newTestStore(t)

	date := day(2024, 6, 3)
	require.NoError(t, store.SaveSnapshot(date, types.Snapshot{
		"AAPL": {Symbol: "AAPL", Price: decimal.NewFromInt(190)},
	}))
	require.NoError(t, store.SaveOHLCV("AAPL", types.IntervalDaily, []types.OHLCV{bar("AAPL", date, 190)}))

	done := make(chan error, 20)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := store.GetMarketSnapshot(context.Background(), date, nil)
			done <- err
		}()
		go func() {
			_, err := store.GetMultiOHLC(context.Background(), []string{"AAPL"}, types.IntervalDaily, date, date)
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done)
	}
}

func TestStoreCancelledContext(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.GetMarketSnapshot(ctx, day(2024, 6, 3), nil)
	assert.Error(t, err)
}
