package config

import (
	"os"
	"path/filepath"
	"testing"

	"chatcore/internal/constants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const minimalConfig = `{
	"self_user_id": "me",
	"transport": {"feed_url": "wss://feed.example.com/v1"}
}`

func TestLoadConfig_Minimal(t *testing.T) {
	t.Setenv("CHATCORE_FEED_TOKEN", "token")
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "me", cfg.SelfUserID)
	assert.Equal(t, "wss://feed.example.com/v1", cfg.Transport.FeedURL)

	// Defaults fill everything the file omits.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, constants.DefaultInitialHistoryPageSize, cfg.History.InitialPageSize)
	assert.Equal(t, constants.DefaultHistoryPageSize, cfg.History.PageSize)
	assert.Equal(t, constants.DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, "chatcore", cfg.Tracing.ServiceName)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CHATCORE_FEED_URL", "wss://override.example.com")
	t.Setenv("CHATCORE_SELF_USER_ID", "someone-else")
	t.Setenv("CHATCORE_FEED_TOKEN", "secret-token")
	t.Setenv("CHATCORE_DB_PATH", "/var/lib/chatcore/db.sqlite")
	t.Setenv("CHATCORE_LOG_LEVEL", "warn")
	t.Setenv("CHATCORE_STRICT_ASSERTIONS", "true")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "wss://override.example.com", cfg.Transport.FeedURL)
	assert.Equal(t, "someone-else", cfg.SelfUserID)
	assert.Equal(t, "secret-token", cfg.Transport.AuthToken)
	assert.True(t, cfg.Persistence.Enabled)
	assert.Equal(t, "/var/lib/chatcore/db.sqlite", cfg.Persistence.Path)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.StrictAssertions)
}

func TestLoadConfig_MissingFeedURL(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"self_user_id": "me"}`))
	assert.ErrorIs(t, err, ErrMissingFeedURL)
}

func TestLoadConfig_MissingSelfUserID(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{
		"transport": {"feed_url": "wss://feed.example.com"}
	}`))
	assert.Error(t, err)
}

func TestLoadConfig_PersistenceRequiresPath(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{
		"self_user_id": "me",
		"transport": {"feed_url": "wss://feed.example.com"},
		"persistence": {"enabled": true}
	}`))
	assert.ErrorIs(t, err, ErrMissingDBPath)
}

func TestLoadConfig_RejectsTraversalDBPath(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{
		"self_user_id": "me",
		"transport": {"feed_url": "wss://feed.example.com"},
		"persistence": {"enabled": true, "path": "../../etc/passwd"}
	}`))
	assert.Error(t, err)
}

func TestLoadConfig_PageSizeMustNotExceedInitial(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{
		"self_user_id": "me",
		"transport": {"feed_url": "wss://feed.example.com"},
		"history": {"initial_page_size": 16, "page_size": 32}
	}`))
	assert.Error(t, err)
}

func TestLoadConfig_ProductionForbidsDebugLogging(t *testing.T) {
	t.Setenv("CHATCORE_ENV", "production")
	t.Setenv("CHATCORE_FEED_TOKEN", "token")

	_, err := LoadConfig(writeConfig(t, `{
		"self_user_id": "me",
		"log_level": "debug",
		"transport": {"feed_url": "wss://feed.example.com"}
	}`))
	assert.Error(t, err)
}

func TestLoadConfig_ProductionRequiresAuthToken(t *testing.T) {
	t.Setenv("CHATCORE_ENV", "production")
	t.Setenv("CHATCORE_FEED_TOKEN", "")

	_, err := LoadConfig(writeConfig(t, minimalConfig))
	assert.Error(t, err)
}

func TestLoadConfig_BadJSON(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "{not json"))
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
