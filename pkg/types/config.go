// Package types provides configuration types for the backtest engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradePricePolicy selects which session price fills execute at.
type TradePricePolicy string

const (
	TradePriceOpen  TradePricePolicy = "open"
	TradePriceClose TradePricePolicy = "close"
	TradePriceVWAP  TradePricePolicy = "vwap"
)

// BacktestConfig represents the configuration for a backtest run.
type BacktestConfig struct {
	ID             string           `json:"id" mapstructure:"id"`
	Strategy       string           `json:"strategy" mapstructure:"strategy"`
	Symbols        []string         `json:"symbols" mapstructure:"symbols"`
	StartDate      time.Time        `json:"startDate" mapstructure:"start_date"`
	EndDate        time.Time        `json:"endDate" mapstructure:"end_date"`
	Interval       Interval         `json:"interval" mapstructure:"interval"`
	InitialCapital decimal.Decimal  `json:"initialCapital" mapstructure:"initial_capital"`
	CommissionRate decimal.Decimal  `json:"commissionRate" mapstructure:"commission_rate"`
	SlippageBps    decimal.Decimal  `json:"slippageBps" mapstructure:"slippage_bps"`
	TradePrice     TradePricePolicy `json:"tradePrice" mapstructure:"trade_price"`
	Rebalance      RebalanceConfig  `json:"rebalance" mapstructure:"rebalance"`
	LongOnly       bool             `json:"longOnly" mapstructure:"long_only"`
	MonteCarlo     MonteCarloConfig `json:"monteCarlo" mapstructure:"monte_carlo"`
}

// RebalanceConfig bounds rebalancing behaviour.
type RebalanceConfig struct {
	// MinOrderNotional drops orders whose |delta|*price falls below it,
	// bounding transaction-cost drag from rounding noise.
	MinOrderNotional decimal.Decimal `json:"minOrderNotional" mapstructure:"min_order_notional"`
	// MaxPositions caps the number of simultaneously held instruments.
	// Zero means unlimited.
	MaxPositions int `json:"maxPositions" mapstructure:"max_positions"`
	// MinCash forces liquidation if cash would fall below it.
	MinCash decimal.Decimal `json:"minCash" mapstructure:"min_cash"`
}

// MonteCarloConfig controls the optional bootstrap validation pass.
type MonteCarloConfig struct {
	Enabled    bool  `json:"enabled" mapstructure:"enabled"`
	Iterations int   `json:"iterations" mapstructure:"iterations"`
	Seed       int64 `json:"seed" mapstructure:"seed"`
}

// WalkForwardConfig controls windowed re-runs.
type WalkForwardConfig struct {
	Enabled    bool `json:"enabled" mapstructure:"enabled"`
	WindowDays int  `json:"windowDays" mapstructure:"window_days"`
	StepDays   int  `json:"stepDays" mapstructure:"step_days"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	WebSocketPath string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
}

// DataConfig represents historical data storage configuration.
type DataConfig struct {
	DataDir   string `json:"dataDir" mapstructure:"data_dir"`
	CacheSize int    `json:"cacheSize" mapstructure:"cache_size"` // LRU entries
	DBPath    string `json:"dbPath" mapstructure:"db_path"`       // results database
}

// AppConfig is the top-level configuration loaded by cmd/server.
type AppConfig struct {
	Server   ServerConfig `json:"server" mapstructure:"server"`
	Data     DataConfig   `json:"data" mapstructure:"data"`
	LogLevel string       `json:"logLevel" mapstructure:"log_level"`
}
