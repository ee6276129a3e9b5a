package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"

	"zbo/internal/config"
	"zbo/internal/crypto"
	"zbo/internal/logging"
	"zbo/internal/remote"
)

// setupRun loads the config and installs per-run logging under
// base_dir/logs/<tag>/. The returned closer flushes the log file.
func setupRun(configPath, tag string) (*config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir(tag), fmt.Sprintf("%s.log", time.Now().Format("2006-01-02")))
	_, logFile, err := logging.Setup(logPath, slog.LevelInfo)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logging: %w", err)
	}

	return cfg, func() { logFile.Close() }, nil
}

func loadIdentity(cfg *config.Config) (age.Identity, error) {
	if cfg.AgeIdentity == "" {
		return nil, nil
	}
	if _, err := os.Stat(cfg.AgeIdentity); os.IsNotExist(err) {
		slog.Warn("Age identity file missing, encrypted secrets unavailable", "path", cfg.AgeIdentity)
		return nil, nil
	}
	return crypto.LoadIdentity(cfg.AgeIdentity)
}

// reportsBackend builds the optional S3 report shipper; nil when
// disabled.
func reportsBackend(ctx context.Context, cfg *config.Config) remote.Backend {
	if !cfg.ReportsS3.Enabled {
		return nil
	}
	backend, err := remote.NewS3(ctx, cfg.ReportsS3.Bucket, cfg.ReportsS3.Region,
		cfg.ReportsS3.Prefix, cfg.ReportsS3.Endpoint,
		cfg.ReportsS3.StorageClass, cfg.S3RetryAttempts())
	if err != nil {
		slog.Warn("Report shipping unavailable", "error", err)
		return nil
	}
	return backend
}
