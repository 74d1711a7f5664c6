package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcore/internal/call"
	"chatcore/internal/config"
	"chatcore/internal/constants"
	"chatcore/internal/crypto"
	"chatcore/internal/errors"
	"chatcore/internal/features"
	"chatcore/internal/models"
	"chatcore/internal/persistence"
	"chatcore/internal/retry"
	"chatcore/internal/room"
	"chatcore/internal/store"
	"chatcore/internal/tracing"
	"chatcore/pkg/transport"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatcore %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatcore")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			if level > logrus.InfoLevel {
				level = logrus.InfoLevel
			}
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	features.Initialize()
	features.Set(features.FlagStrictAssertions, cfg.StrictAssertions)

	assertMode := errors.AssertLog
	if cfg.StrictAssertions {
		assertMode = errors.AssertPanic
	}
	asserter := errors.NewAsserter(assertMode, errors.FromLogrus(logger))

	// The watcher re-applies runtime-tunable settings (assertion strictness,
	// log level) when the config file changes on disk.
	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(func(updated *models.Config) {
		if *verbose || updated.LogLevel == "" {
			return
		}
		level, err := logrus.ParseLevel(updated.LogLevel)
		if err != nil {
			logger.Warnf("Ignoring invalid log level %q from reloaded config", updated.LogLevel)
			return
		}
		if level > logrus.InfoLevel {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	tracingManager := tracing.NewManager(cfg.Tracing, Version, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Persistence opens with exponential backoff; a locked database right
	// after a crash sorts itself out.
	var sink *persistence.Sink
	if cfg.Persistence.Enabled {
		var db *persistence.Database
		backoff := retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
			Jitter:       true,
		})
		err = backoff.Retry(ctx, func() error {
			var initErr error
			db, initErr = persistence.New(cfg.Persistence.Path)
			if initErr != nil {
				logger.Warnf("Failed to initialize database: %v", initErr)
			}
			return initErr
		})
		if err != nil {
			return fmt.Errorf("failed to initialize database after retries: %w", err)
		}
		defer func() { _ = db.Close() }()

		sink = persistence.NewSink(db, logger, persistence.SinkOptions{
			QueueSize: cfg.Persistence.QueueSize,
			BatchSize: cfg.Persistence.BatchSize,
		})
		defer sink.Close()
		logger.WithField("path", cfg.Persistence.Path).Info("Persistence initialized")
	} else {
		logger.Info("Persistence is disabled")
	}

	var keySource crypto.KeySource
	if cfg.Keys.ServiceURL != "" {
		keySource = crypto.NewHTTPKeySource(cfg.Keys.ServiceURL,
			time.Duration(cfg.Keys.TimeoutSec)*time.Second, logger)
	}
	keyRing := crypto.NewKeyRing(keySource, logger)
	decryptor := crypto.NewAEADDecryptor(keyRing)

	// The feed and the room manager reference each other; the proxy breaks
	// the cycle so both can be built.
	proxy := &dispatchProxy{}
	feed := transport.NewFeed(transport.Options{
		URL:       cfg.Transport.FeedURL,
		AuthToken: cfg.Transport.AuthToken,
		PingEvery: time.Duration(cfg.Transport.PingSec) * time.Second,
		Reconnect: time.Duration(cfg.Transport.ReconnectSec) * time.Second,
	}, proxy, logger)

	callRegistry := call.NewRegistry(call.SessionConfig{
		Signaler:         &feedSignaler{feed: feed, logger: logger},
		ActivityInterval: time.Duration(constants.DefaultCallActivityIntervalSec) * time.Second,
		ResponseTimeout:  time.Duration(constants.DefaultCallRingTimeoutSec) * time.Second,
		Asserter:         asserter,
		Logger:           logger,
	})

	manager := room.NewManager(room.Config{
		RoomContext: models.RoomContext{
			SelfUserID: cfg.SelfUserID,
			Contacts:   models.StaticDirectory{},
		},
		Fetcher:   feed,
		Decryptor: decryptor,
		Keys:      keyRing,
		Sink:      sinkOrNil(sink),
		Listener:  &logListener{logger: logger},
		Asserter:  asserter,
		Logger:    logger,
		History:   cfg.History,
	}, callRegistry)
	proxy.manager = manager

	keyRing.Subscribe(func(keyIDs []string) {
		manager.OnKeysLoaded(context.Background(), keyIDs)
	})

	feedErrCh := make(chan error, 1)
	go func() {
		feedErrCh <- feed.Run(ctx)
	}()

	server := NewServer(cfg.Server, manager, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	case err := <-feedErrCh:
		if ctx.Err() == nil {
			return fmt.Errorf("feed stopped: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

// sinkOrNil avoids handing the rooms a typed-nil interface when persistence
// is disabled.
func sinkOrNil(s *persistence.Sink) store.PersistenceSink {
	if s == nil {
		return nil
	}
	return s
}
