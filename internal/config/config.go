package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"chatcore/internal/constants"
	"chatcore/internal/models"
	"chatcore/internal/security"
)

var (
	ErrMissingFeedURL = models.ConfigError{Message: "missing event feed URL"}
	ErrMissingDBPath  = models.ConfigError{Message: "missing database path when persistence is enabled"}
)

// LoadConfig reads the JSON config at path, fills defaults, applies
// environment overrides and validates the result.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateStoragePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyDefaults(&config)
	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func applyDefaults(c *models.Config) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.History.InitialPageSize <= 0 {
		c.History.InitialPageSize = constants.DefaultInitialHistoryPageSize
	}
	if c.History.PageSize <= 0 {
		c.History.PageSize = constants.DefaultHistoryPageSize
	}
	if c.History.TimeoutSec <= 0 {
		c.History.TimeoutSec = constants.DefaultHistoryTimeoutSec
	}

	if c.Persistence.BatchSize <= 0 {
		c.Persistence.BatchSize = constants.DefaultPersistBatchSize
	}
	if c.Persistence.QueueSize <= 0 {
		c.Persistence.QueueSize = constants.DefaultPersistQueueSize
	}

	if c.Keys.TimeoutSec <= 0 {
		c.Keys.TimeoutSec = constants.DefaultKeyLoadTimeoutSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	if c.Transport.PingSec <= 0 {
		c.Transport.PingSec = constants.DefaultFeedPingSec
	}
	if c.Transport.ReconnectSec <= 0 {
		c.Transport.ReconnectSec = constants.DefaultFeedReconnectSec
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "chatcore"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 1.0
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("CHATCORE_FEED_URL"); url != "" {
		c.Transport.FeedURL = url
	}
	if id := os.Getenv("CHATCORE_SELF_USER_ID"); id != "" {
		c.SelfUserID = id
	}
	// SECURITY: tokens come from the environment, never the config file.
	if token := os.Getenv("CHATCORE_FEED_TOKEN"); token != "" {
		c.Transport.AuthToken = token
	}
	if url := os.Getenv("CHATCORE_KEY_SERVICE_URL"); url != "" {
		c.Keys.ServiceURL = url
	}
	if path := os.Getenv("CHATCORE_DB_PATH"); path != "" {
		c.Persistence.Path = path
		c.Persistence.Enabled = true
	}
	if level := os.Getenv("CHATCORE_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if v := os.Getenv("CHATCORE_STRICT_ASSERTIONS"); v != "" {
		if strict, err := strconv.ParseBool(v); err == nil {
			c.StrictAssertions = strict
		}
	}
}

func validate(c *models.Config) error {
	if c.Transport.FeedURL == "" {
		return ErrMissingFeedURL
	}
	if c.SelfUserID == "" {
		return models.ConfigError{Message: "self user id is required"}
	}
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		return ErrMissingDBPath
	}
	if c.Persistence.Enabled {
		if err := security.ValidateStoragePath(c.Persistence.Path); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
		}
	}
	if c.History.PageSize > c.History.InitialPageSize {
		return models.ConfigError{Message: "history page size must not exceed the initial page size"}
	}

	isProduction := os.Getenv("CHATCORE_ENV") == "production"
	if isProduction {
		if c.LogLevel == "debug" || c.LogLevel == "trace" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
		if c.Transport.AuthToken == "" {
			return models.ConfigError{Message: "feed auth token is required in production (set CHATCORE_FEED_TOKEN environment variable)"}
		}
	} else if c.Transport.AuthToken == "" {
		fmt.Fprintf(os.Stderr, "WARNING: feed auth token not set. Set CHATCORE_FEED_TOKEN environment variable for security.\n")
	}

	return nil
}
