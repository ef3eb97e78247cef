// Package config defines all configuration for the grid trading server.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via GRID_* environment variables. A missing file is
// not an error: the server runs on defaults, since the agent protocol
// requires no mandatory settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Alert   AlertConfig   `mapstructure:"alert"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener. AllowedOrigins is the CORS
// allowlist; empty means any origin (the terminal agent and the dashboard
// typically run off-host).
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StoreConfig sets where the state snapshot is persisted (single JSON file).
type StoreConfig struct {
	StatePath string `mapstructure:"state_path"`
}

// EngineConfig tunes the tick dispatcher.
//
//   - ExternalCloseGrace: minimum time since the last dispatched order before
//     an empty broker book is read as a manual close rather than an order
//     still in flight.
//   - PriceHistoryLen: size of the mid-price ring kept for the UI.
type EngineConfig struct {
	ExternalCloseGrace time.Duration `mapstructure:"external_close_grace"`
	PriceHistoryLen    int           `mapstructure:"price_history_len"`
}

// AlertConfig controls the outbound webhook notifier. Disabled when no URL
// is configured.
type AlertConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides (GRID_ prefix,
// dots replaced by underscores, e.g. GRID_SERVER_PORT).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8000)
	v.SetDefault("store.state_path", "state.json")
	v.SetDefault("engine.external_close_grace", 5*time.Second)
	v.SetDefault("engine.price_history_len", 100)
	v.SetDefault("alert.enabled", false)
	v.SetDefault("alert.timeout", 5*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		// Defaults cover everything; only a malformed file is fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Store.StatePath == "" {
		return fmt.Errorf("store.state_path is required")
	}
	if c.Engine.ExternalCloseGrace < 0 {
		return fmt.Errorf("engine.external_close_grace must be >= 0")
	}
	if c.Engine.PriceHistoryLen <= 0 {
		return fmt.Errorf("engine.price_history_len must be > 0")
	}
	if c.Alert.Enabled && c.Alert.WebhookURL == "" {
		return fmt.Errorf("alert.webhook_url is required when alert.enabled is true")
	}
	return nil
}
