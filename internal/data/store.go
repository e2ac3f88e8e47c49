// Package data provides historical market data storage and loading.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

const dateLayout = "2006-01-02"

// Store provides point-in-time snapshots and OHLC bar series from a
// directory of JSON files, fronted by a bounded LRU cache. A Store is an
// explicit handle passed into each run, never a process-wide singleton;
// reads are safe for concurrent use, and an evicted entry simply re-reads
// from disk on the next access.
type Store struct {
	logger    *zap.Logger
	dataDir   string
	bars      *lru.Cache[string, []types.OHLCV]
	snapshots *lru.Cache[string, types.Snapshot]
}

// NewStore creates a store rooted at cfg.DataDir with cfg.CacheSize LRU
// entries per cache (128 when unset).
func NewStore(logger *zap.Logger, cfg types.DataConfig) (*Store, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 128
	}
	barCache, err := lru.New[string, []types.OHLCV](size)
	if err != nil {
		return nil, fmt.Errorf("creating bar cache: %w", err)
	}
	snapCache, err := lru.New[string, types.Snapshot](size)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot cache: %w", err)
	}

	for _, dir := range []string{filepath.Join(cfg.DataDir, "bars"), filepath.Join(cfg.DataDir, "snapshots")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	return &Store{
		logger:    logger,
		dataDir:   cfg.DataDir,
		bars:      barCache,
		snapshots: snapCache,
	}, nil
}

// GetMarketSnapshot returns the per-instrument table for a date. A date
// with no stored snapshot yields an empty table, not an error. When
// filter is non-empty only the listed instruments are returned.
func (s *Store) GetMarketSnapshot(ctx context.Context, date time.Time, filter []string) (types.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := date.Format(dateLayout)
	snapshot, ok := s.snapshots.Get(key)
	if !ok {
		loaded, err := s.loadSnapshot(key)
		if err != nil {
			return nil, err
		}
		snapshot = loaded
		s.snapshots.Add(key, snapshot)
	}

	if len(filter) == 0 {
		return snapshot, nil
	}
	filtered := make(types.Snapshot, len(filter))
	for _, sym := range filter {
		if row, ok := snapshot[sym]; ok {
			filtered[sym] = row
		}
	}
	return filtered, nil
}

// GetMultiOHLC returns bar series per instrument restricted to
// [start, end]. Instruments with no stored data are absent from the map.
func (s *Store) GetMultiOHLC(ctx context.Context, symbols []string, interval types.Interval, start, end time.Time) (map[string][]types.OHLCV, error) {
	if interval == "" {
		interval = types.IntervalDaily
	}
	out := make(map[string][]types.OHLCV, len(symbols))
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		series, err := s.loadBars(sym, interval)
		if err != nil {
			return nil, err
		}
		if series == nil {
			continue
		}
		filtered := filterRange(series, start, end)
		if len(filtered) > 0 {
			out[sym] = filtered
		}
	}
	return out, nil
}

// SaveOHLCV writes a bar series to disk and refreshes the cache entry.
func (s *Store) SaveOHLCV(symbol string, interval types.Interval, series []types.OHLCV) error {
	sorted := make([]types.OHLCV, len(series))
	copy(sorted, series)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	payload, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bars for %s: %w", symbol, err)
	}
	if err := os.WriteFile(s.barPath(symbol, interval), payload, 0o644); err != nil {
		return fmt.Errorf("writing bars for %s: %w", symbol, err)
	}
	s.bars.Add(barKey(symbol, interval), sorted)
	return nil
}

// SaveSnapshot writes one date's snapshot table to disk and refreshes
// the cache entry.
func (s *Store) SaveSnapshot(date time.Time, snapshot types.Snapshot) error {
	rows := make([]types.SnapshotRow, 0, len(snapshot))
	for _, row := range snapshot {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })

	payload, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	key := date.Format(dateLayout)
	if err := os.WriteFile(s.snapshotPath(key), payload, 0o644); err != nil {
		return fmt.Errorf("writing snapshot for %s: %w", key, err)
	}
	s.snapshots.Add(key, snapshot)
	return nil
}

// CacheLen reports the current cache occupancy, for observability.
func (s *Store) CacheLen() (bars, snapshots int) {
	return s.bars.Len(), s.snapshots.Len()
}

func (s *Store) loadBars(symbol string, interval types.Interval) ([]types.OHLCV, error) {
	key := barKey(symbol, interval)
	if series, ok := s.bars.Get(key); ok {
		return series, nil
	}

	payload, err := os.ReadFile(s.barPath(symbol, interval))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading bars for %s: %w", symbol, err)
	}

	var series []types.OHLCV
	if err := json.Unmarshal(payload, &series); err != nil {
		return nil, fmt.Errorf("parsing bars for %s: %w", symbol, err)
	}
	for i := range series {
		series[i].Symbol = symbol
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })

	s.bars.Add(key, series)
	return series, nil
}

func (s *Store) loadSnapshot(key string) (types.Snapshot, error) {
	payload, err := os.ReadFile(s.snapshotPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return types.Snapshot{}, nil
		}
		return nil, fmt.Errorf("reading snapshot for %s: %w", key, err)
	}

	var rows []types.SnapshotRow
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("parsing snapshot for %s: %w", key, err)
	}
	snapshot := make(types.Snapshot, len(rows))
	for _, row := range rows {
		snapshot[row.Symbol] = row
	}
	return snapshot, nil
}

func (s *Store) barPath(symbol string, interval types.Interval) string {
	return filepath.Join(s.dataDir, "bars", fmt.Sprintf("%s_%s.json", symbol, interval))
}

func (s *Store) snapshotPath(key string) string {
	return filepath.Join(s.dataDir, "snapshots", key+".json")
}

func barKey(symbol string, interval types.Interval) string {
	return fmt.Sprintf("%s_%s", symbol, interval)
}

func filterRange(series []types.OHLCV, start, end time.Time) []types.OHLCV {
	var out []types.OHLCV
	for _, bar := range series {
		if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out
}
