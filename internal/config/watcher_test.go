package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatcore/internal/features"
	"chatcore/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestConfigWatcher_StartLoadsConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	w := NewConfigWatcher(path, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Exits cleanly once the context expires.
	require.NoError(t, w.Start(ctx))

	cfg := w.GetConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, "me", cfg.SelfUserID)
}

func TestConfigWatcher_StartMissingFile(t *testing.T) {
	w := NewConfigWatcher(filepath.Join(t.TempDir(), "absent.json"), quietLogger())

	err := w.Start(context.Background())
	assert.Error(t, err)
}

func TestConfigWatcher_ReloadAppliesChanges(t *testing.T) {
	features.Initialize()
	defer features.Set(features.FlagStrictAssertions, false)

	path := writeConfig(t, minimalConfig)
	w := NewConfigWatcher(path, quietLogger())

	initial, err := LoadConfig(path)
	require.NoError(t, err)
	w.mu.Lock()
	w.config = initial
	w.mu.Unlock()

	reloaded := make(chan *models.Config, 1)
	w.OnConfigChange(func(cfg *models.Config) { reloaded <- cfg })

	updated := `{
		"self_user_id": "me",
		"log_level": "warn",
		"strict_assertions": true,
		"transport": {"feed_url": "wss://feed.example.com/v1"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	w.reloadConfig()

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "warn", cfg.LogLevel)
		assert.True(t, cfg.StrictAssertions)
	case <-time.After(5 * time.Second):
		t.Fatal("config change callback never ran")
	}

	assert.Equal(t, "warn", w.GetConfig().LogLevel)
	// Runtime-tunable flags are re-applied on reload.
	assert.True(t, features.IsEnabled(features.FlagStrictAssertions))
}

func TestConfigWatcher_ReloadKeepsOldConfigOnError(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	w := NewConfigWatcher(path, quietLogger())

	initial, err := LoadConfig(path)
	require.NoError(t, err)
	w.mu.Lock()
	w.config = initial
	w.mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	w.reloadConfig()

	assert.Equal(t, initial, w.GetConfig())
}

func TestConfigWatcher_CallbackPanicIsContained(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	logger := logrus.New()
	var logOutput strings.Builder
	logger.SetOutput(&logOutput)

	w := NewConfigWatcher(path, logger)

	initial, err := LoadConfig(path)
	require.NoError(t, err)
	w.mu.Lock()
	w.config = initial
	w.mu.Unlock()

	panicked := make(chan struct{}, 1)
	w.OnConfigChange(func(*models.Config) {
		defer func() { panicked <- struct{}{} }()
		panic("listener blew up")
	})

	w.reloadConfig()

	select {
	case <-panicked:
	case <-time.After(5 * time.Second):
		t.Fatal("config change callback never ran")
	}
	// The panic is recovered and logged; the reload itself succeeds.
	time.Sleep(10 * time.Millisecond)
	assert.Contains(t, logOutput.String(), "Config change callback panicked")
	assert.NotNil(t, w.GetConfig())
}

func TestConfigWatcher_LogConfigChanges(t *testing.T) {
	logger := logrus.New()
	var logOutput strings.Builder
	logger.SetOutput(&logOutput)

	w := NewConfigWatcher("config.json", logger)

	w.logConfigChanges(
		&models.Config{LogLevel: "info", StrictAssertions: false,
			History: models.HistoryConfig{PageSize: 16}},
		&models.Config{LogLevel: "warn", StrictAssertions: true,
			History: models.HistoryConfig{PageSize: 32}},
	)

	logStr := logOutput.String()
	assert.Contains(t, logStr, "Assertion strictness changed")
	assert.Contains(t, logStr, "History page size changed")
	assert.Contains(t, logStr, "Log level changed")

	// A nil previous config logs nothing.
	logOutput.Reset()
	w.logConfigChanges(nil, &models.Config{LogLevel: "warn"})
	assert.Equal(t, "", logOutput.String())
}
