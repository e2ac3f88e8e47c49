// Package store persists backtest results.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/quantfolio/backtest-engine/pkg/types"
)

// ErrNotFound is returned when no result exists for the requested ID.
var ErrNotFound = errors.New("result not found")

// ResultStore persists completed backtest results in SQLite. Summary
// metrics live in queryable columns; the full result, curves and all, is
// kept as a JSON payload alongside them.
type ResultStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// ResultSummary is the listing row: identity plus headline metrics,
// without the equity curve or per-symbol breakdown.
type ResultSummary struct {
	ID          string          `json:"backtestId"`
	Strategy    string          `json:"strategy"`
	StartDate   time.Time       `json:"startDate"`
	EndDate     time.Time       `json:"endDate"`
	TotalReturn decimalString   `json:"totalReturn"`
	MaxDrawdown decimalString   `json:"mdd"`
	TotalTrades int             `json:"totalTrades"`
	CompletedAt time.Time       `json:"completedAt"`
}

// decimalString keeps listing rows cheap to scan without parsing.
type decimalString string

const schema = `
CREATE TABLE IF NOT EXISTS backtest_results (
	id            TEXT PRIMARY KEY,
	strategy      TEXT NOT NULL,
	start_date    TEXT NOT NULL,
	end_date      TEXT NOT NULL,
	total_return  TEXT NOT NULL,
	max_drawdown  TEXT NOT NULL,
	sharpe_ratio  TEXT NOT NULL,
	win_rate      TEXT NOT NULL,
	total_trades  INTEGER NOT NULL,
	completed_at  TEXT NOT NULL,
	payload       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_completed_at ON backtest_results(completed_at);
`

// NewResultStore opens (or creates) the results database at dbPath.
func NewResultStore(logger *zap.Logger, dbPath string) (*ResultStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening results database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing results schema: %w", err)
	}
	return &ResultStore{logger: logger, db: db}, nil
}

// Close closes the underlying database connection.
func (s *ResultStore) Close() error {
	return s.db.Close()
}

// Save upserts a result keyed by its run ID.
func (s *ResultStore) Save(ctx context.Context, strategy string, result *types.BacktestResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result %s: %w", result.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO backtest_results
		(id, strategy, start_date, end_date, total_return, max_drawdown,
		 sharpe_ratio, win_rate, total_trades, completed_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID,
		strategy,
		result.StartDate.Format(time.RFC3339),
		result.EndDate.Format(time.RFC3339),
		result.TotalReturn.String(),
		result.MaxDrawdown.String(),
		result.SharpeRatio.String(),
		result.WinRate.String(),
		result.TotalTrades,
		result.CompletedAt.Format(time.RFC3339Nano),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("saving result %s: %w", result.ID, err)
	}

	s.logger.Debug("result saved", zap.String("id", result.ID), zap.String("strategy", strategy))
	return nil
}

// Get loads the full result for an ID. Returns ErrNotFound when absent.
func (s *ResultStore) Get(ctx context.Context, id string) (*types.BacktestResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM backtest_results WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading result %s: %w", id, err)
	}

	var result types.BacktestResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("parsing result %s: %w", id, err)
	}
	return &result, nil
}

// List returns summaries of the most recent results, newest first.
func (s *ResultStore) List(ctx context.Context, limit int) ([]ResultSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy, start_date, end_date, total_return, max_drawdown, total_trades, completed_at
		FROM backtest_results ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	var summaries []ResultSummary
	for rows.Next() {
		var (
			summary              ResultSummary
			startRaw, endRaw     string
			completedRaw         string
		)
		if err := rows.Scan(&summary.ID, &summary.Strategy, &startRaw, &endRaw,
			&summary.TotalReturn, &summary.MaxDrawdown, &summary.TotalTrades, &completedRaw); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		if summary.StartDate, err = time.Parse(time.RFC3339, startRaw); err != nil {
			return nil, fmt.Errorf("parsing start date: %w", err)
		}
		if summary.EndDate, err = time.Parse(time.RFC3339, endRaw); err != nil {
			return nil, fmt.Errorf("parsing end date: %w", err)
		}
		if summary.CompletedAt, err = time.Parse(time.RFC3339Nano, completedRaw); err != nil {
			return nil, fmt.Errorf("parsing completion time: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// Delete removes a stored result. Deleting a missing ID is not an error.
func (s *ResultStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM backtest_results WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting result %s: %w", id, err)
	}
	return nil
}
