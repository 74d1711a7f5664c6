package models

// Config is the daemon configuration, loaded from JSON with environment
// overrides applied afterwards.
type Config struct {
	LogLevel string `json:"log_level"`

	// SelfUserID identifies the local account; display states and unread
	// counts depend on knowing which messages are ours.
	SelfUserID string `json:"self_user_id"`

	Transport   TransportConfig   `json:"transport"`
	History     HistoryConfig     `json:"history"`
	Persistence PersistenceConfig `json:"persistence"`
	Keys        KeysConfig        `json:"keys"`
	Retry       RetryConfig       `json:"retry"`
	Server      ServerConfig      `json:"server"`
	Tracing     TracingConfig     `json:"tracing"`

	// StrictAssertions makes programming errors (invalid call transition,
	// underivable state) fatal instead of logged-and-ignored. Development
	// builds run strict; production runs lenient.
	StrictAssertions bool `json:"strict_assertions"`
}

type TransportConfig struct {
	FeedURL      string `json:"feed_url"`
	AuthToken    string `json:"auth_token"`
	PingSec      int    `json:"ping_sec"`
	ReconnectSec int    `json:"reconnect_sec"`
}

type HistoryConfig struct {
	InitialPageSize int `json:"initial_page_size"`
	PageSize        int `json:"page_size"`
	TimeoutSec      int `json:"timeout_sec"`
}

type PersistenceConfig struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	BatchSize int    `json:"batch_size"`
	QueueSize int    `json:"queue_size"`
}

type KeysConfig struct {
	ServiceURL string `json:"service_url"`
	TimeoutSec int    `json:"timeout_sec"`
}

type RetryConfig struct {
	InitialBackoffMs int `json:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms"`
	MaxAttempts      int `json:"max_attempts"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"service_name"`
	Environment  string  `json:"environment"`
	OTLPEndpoint string  `json:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate"`
	UseStdout    bool    `json:"use_stdout"`
}

// ConfigError is returned for invalid or incomplete configuration.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return "config error: " + e.Message
}
