package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default values for Config.
const (
	DefaultServerURL             = "http://127.0.0.1:8188"
	DefaultReconnectDelayMS      = 3000
	DefaultMaxPending            = 500
	DefaultMaxRetries            = 3
	DefaultHistoryLimit          = 100
	DefaultBottleneckThresholdMS = 2000
	DefaultTrendIntervalSeconds  = 30
	DefaultTrendRetentionMinutes = 60
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Server: Server{
			URL:              DefaultServerURL,
			AutoReconnect:    false,
			ReconnectDelayMS: DefaultReconnectDelayMS,
		},
		Queue: Queue{
			MaxPending: DefaultMaxPending,
			MaxRetries: DefaultMaxRetries,
		},
		Metrics: Metrics{
			HistoryLimit:          DefaultHistoryLimit,
			BottleneckThresholdMS: DefaultBottleneckThresholdMS,
			TrendIntervalSeconds:  DefaultTrendIntervalSeconds,
			TrendRetentionMinutes: DefaultTrendRetentionMinutes,
		},
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// LoadConfig reads and parses .easel/config.yaml from the given base path.
// If the file doesn't exist, returns the default config. Defaults are
// applied for any missing fields.
func LoadConfig(basePath string) (*Config, error) {
	configPath := filepath.Join(basePath, ".easel", "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateConfig checks that all config values are valid.
func ValidateConfig(cfg *Config) error {
	u, err := url.Parse(cfg.Server.URL)
	if err != nil || u.Host == "" {
		return ValidationError{Field: "server.url", Message: "must be a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ValidationError{Field: "server.url", Message: "scheme must be http or https"}
	}
	if cfg.Server.ReconnectDelayMS <= 0 {
		return ValidationError{Field: "server.reconnect_delay_ms", Message: "must be positive"}
	}
	if cfg.Queue.MaxPending <= 0 {
		return ValidationError{Field: "queue.max_pending", Message: "must be positive"}
	}
	if cfg.Queue.MaxRetries <= 0 {
		return ValidationError{Field: "queue.max_retries", Message: "must be positive"}
	}
	if cfg.Metrics.HistoryLimit <= 0 {
		return ValidationError{Field: "metrics.history_limit", Message: "must be positive"}
	}
	if cfg.Metrics.BottleneckThresholdMS <= 0 {
		return ValidationError{Field: "metrics.bottleneck_threshold_ms", Message: "must be positive"}
	}
	if cfg.Metrics.TrendIntervalSeconds <= 0 {
		return ValidationError{Field: "metrics.trend_interval_seconds", Message: "must be positive"}
	}
	if cfg.Metrics.TrendRetentionMinutes <= 0 {
		return ValidationError{Field: "metrics.trend_retention_minutes", Message: "must be positive"}
	}
	return nil
}
