// ABOUTME: Entry point for the messenger local-store daemon
// ABOUTME: Opens the shared database, runs registrations, and drives the maintenance jobs

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/2389/coven-messenger/internal/config"
	"github.com/2389/coven-messenger/internal/dedupe"
	"github.com/2389/coven-messenger/internal/jobs"
	"github.com/2389/coven-messenger/internal/storage"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the store config file.
// Priority: MESSENGER_CONFIG env var > XDG_CONFIG_HOME/messenger/store.yaml > ~/.config/messenger/store.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MESSENGER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "store.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "messenger", "store.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: messengerd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run     Open the store and run the maintenance jobs")
		fmt.Println("  path    Print the resolved database path")
		fmt.Println("  reset   Wipe the database file set (account logout)")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runStore(ctx)
	case "path":
		err = runPath()
	case "reset":
		err = runReset(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func newManager(cfg *config.Config, logger *slog.Logger) (*storage.Manager, error) {
	return storage.NewManager(storage.Options{
		SharedDir: cfg.Storage.SharedDir,
		LegacyDir: cfg.Storage.LegacyDir,
		Filename:  cfg.Storage.Filename,
		Logger:    logger,
	})
}

func runStore(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	logger.Info("starting messengerd",
		"version", version,
		"config", configPath,
		"shared_dir", cfg.Storage.SharedDir,
	)

	manager, err := newManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating storage manager: %w", err)
	}
	defer manager.Close()

	if err := manager.Open(ctx); err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	if err := manager.RunSyncRegistrations(ctx); err != nil {
		return fmt.Errorf("sync registrations: %w", err)
	}
	if err := manager.RunAsyncRegistrations(ctx, func() {
		logger.Info("store fully registered")
	}); err != nil {
		return fmt.Errorf("async registrations: %w", err)
	}

	db := manager.DB()
	processStart := time.Now()
	cache := dedupe.New(cfg.Jobs.DedupTTL, cfg.Jobs.DedupMaxEntries)
	defer cache.Close()
	scheduler := jobs.NewScheduler(
		manager,
		jobs.NewManualLifecycle(),
		nil,
		jobs.NewFailedMessagesJob(db, processStart, logger),
		jobs.NewFailedAttachmentsJob(db, logger),
		jobs.NewDisappearingMessagesJob(db, nil, logger),
		jobs.NewIncomingMessageFinder(db, cache, logger),
		jobs.NewBatchProcessor(db, passthroughDecryptor{}, cfg.Jobs.BatchSize, nil, logger),
		cfg.Jobs.ExpiryCheckInterval,
		logger,
	)

	// Every committed write wakes the processor; an empty queue is a
	// cheap no-op, so self-wakes from the jobs' own writes converge.
	go func() {
		for range manager.Notifier().Subscribe(ctx) {
			scheduler.Wake()
		}
	}()

	err = scheduler.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func runPath() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	manager, err := newManager(cfg, slog.Default())
	if err != nil {
		return err
	}
	path, err := manager.ResolveDatabasePath()
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runReset(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	manager, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	if err := manager.Open(ctx); err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	if err := manager.Reset(); err != nil {
		return fmt.Errorf("resetting store: %w", err)
	}
	logger.Info("database file set removed", "shared_dir", cfg.Storage.SharedDir)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// passthroughDecryptor treats ciphertext as plaintext. The real session
// layer lives outside this process and replaces it at integration time.
type passthroughDecryptor struct{}

func (passthroughDecryptor) Decrypt(_ context.Context, e *storage.Envelope) (*jobs.DecryptedMessage, error) {
	return &jobs.DecryptedMessage{
		ThreadID:  e.Source,
		Body:      string(e.Ciphertext),
		Timestamp: e.Timestamp,
	}, nil
}
