package main

import (
	"context"
	"log/slog"

	"zbo/internal/backupjob"
)

func runBackup(ctx context.Context, configPath, jobName string) error {
	cfg, closeLog, err := setupRun(configPath, jobName)
	if err != nil {
		return err
	}
	defer closeLog()

	deps := backupjob.DefaultDeps()
	deps.Reports = reportsBackend(ctx, cfg)
	deps.Identity, err = loadIdentity(cfg)
	if err != nil {
		return err
	}

	slog.Info("Backup started", "job", jobName)
	return backupjob.Run(ctx, cfg, deps, jobName)
}
