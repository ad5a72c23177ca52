package config

// Server holds the connection settings for the generation server.
type Server struct {
	// URL is the HTTP endpoint of the server; the WebSocket URL is derived
	// from it.
	URL string `yaml:"url"`

	// ClientID identifies this client to the server. Generated when empty.
	ClientID string `yaml:"client_id"`

	// AutoReconnect re-dials after an abnormal close. Disabled by default:
	// reconnection stays a caller decision unless explicitly opted in.
	AutoReconnect bool `yaml:"auto_reconnect"`

	// ReconnectDelayMS is the wait between automatic reconnect attempts.
	ReconnectDelayMS int `yaml:"reconnect_delay_ms"`
}

// Queue bounds the dispatcher's message ring.
type Queue struct {
	MaxPending int `yaml:"max_pending"`
	MaxRetries int `yaml:"max_retries"`
}

// Metrics holds the timing analyzer settings.
type Metrics struct {
	HistoryLimit          int `yaml:"history_limit"`
	BottleneckThresholdMS int `yaml:"bottleneck_threshold_ms"`
	TrendIntervalSeconds  int `yaml:"trend_interval_seconds"`
	TrendRetentionMinutes int `yaml:"trend_retention_minutes"`
}

// Config represents the .easel/config.yaml file.
type Config struct {
	Server  Server  `yaml:"server"`
	Queue   Queue   `yaml:"queue"`
	Metrics Metrics `yaml:"metrics"`
}
