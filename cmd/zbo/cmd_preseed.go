package main

import (
	"context"
	"log/slog"

	"zbo/internal/preseed"
)

func runPreseed(ctx context.Context, configPath, service string) error {
	cfg, closeLog, err := setupRun(configPath, "preseed-"+service)
	if err != nil {
		return err
	}
	defer closeLog()

	deps := preseed.DefaultDeps()
	deps.Reports = reportsBackend(ctx, cfg)
	deps.Identity, err = loadIdentity(cfg)
	if err != nil {
		return err
	}

	slog.Info("Preseed gate started", "service", service)
	return preseed.Run(ctx, cfg, deps, service)
}
