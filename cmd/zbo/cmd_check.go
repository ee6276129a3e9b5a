package main

import (
	"context"
	"fmt"

	"zbo/internal/config"
	"zbo/internal/remote"
	"zbo/internal/units"
	"zbo/internal/zfs"
)

// runCheck validates everything that can be validated without touching
// the repository: configuration, registry conflicts, unit graph edges,
// existence and mountpoints of every referenced dataset on this host,
// and report-store credentials when shipping is enabled.
func runCheck(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Println("config: OK")

	reg, err := cfg.BuildRegistry()
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	fmt.Printf("registry: %d datasets OK\n", len(reg.Paths()))

	graph, err := units.BuildGraph(cfg, reg, "zbo", configPath)
	if err != nil {
		return fmt.Errorf("unit graph: %w", err)
	}
	if err := graph.Validate(); err != nil {
		return fmt.Errorf("unit graph: %w", err)
	}
	fmt.Printf("unit graph: %d units OK\n", len(graph.Names()))

	manager := zfs.NewManager()
	for _, b := range cfg.Backups {
		if !b.UseSnapshots {
			continue
		}
		if err := manager.DatasetExists(ctx, b.Dataset); err != nil {
			return fmt.Errorf("backup %s: %w", b.Name, err)
		}
		mounted, err := manager.Mountpoint(ctx, b.Dataset)
		if err != nil {
			return fmt.Errorf("backup %s: %w", b.Name, err)
		}
		if decl, ok := reg.Lookup(b.Dataset); ok && decl.Mountpoint != "" && mounted != decl.Mountpoint {
			return fmt.Errorf("backup %s: dataset %s mounted at %s, declared %s",
				b.Name, b.Dataset, mounted, decl.Mountpoint)
		}
		fmt.Printf("backup %s dataset %s: OK\n", b.Name, b.Dataset)
	}

	if cfg.ReportsS3.Enabled {
		backend, err := remote.NewS3(ctx, cfg.ReportsS3.Bucket, cfg.ReportsS3.Region,
			cfg.ReportsS3.Prefix, cfg.ReportsS3.Endpoint,
			cfg.ReportsS3.StorageClass, cfg.S3RetryAttempts())
		if err != nil {
			return fmt.Errorf("s3 reports: %w", err)
		}
		if err := backend.VerifyCredentials(ctx); err != nil {
			return fmt.Errorf("s3 reports: %w", err)
		}
		fmt.Println("s3 reports: OK")
	}

	fmt.Println("all checks passed")
	return nil
}
