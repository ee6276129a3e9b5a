package main

import (
	"context"
	"fmt"

	"zbo/internal/config"
	"zbo/internal/zfs"
)

// runCleanup is the ExecStopPost backstop: it removes any snapshot or
// clone a killed backup run left behind.
func runCleanup(ctx context.Context, configPath, jobName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	job, err := cfg.FindBackup(jobName)
	if err != nil {
		return err
	}
	if !job.UseSnapshots || job.Dataset == "" {
		return nil
	}
	return zfs.NewManager().CleanupJobArtifacts(ctx, job.Dataset, jobName)
}
