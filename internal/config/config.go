// Package config loads application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quantfolio/backtest-engine/pkg/types"
)

// Load reads configuration from an optional YAML file plus environment
// variables prefixed BACKTEST_ (e.g. BACKTEST_SERVER_PORT). File settings
// override defaults; environment overrides both. path may be empty.
func Load(path string) (*types.AppConfig, error) {
	v := viper.New()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("data.data_dir", "./data")
	v.SetDefault("data.cache_size", 128)
	v.SetDefault("data.db_path", "./data/results.db")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg types.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	return &cfg, nil
}
