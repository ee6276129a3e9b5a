package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:  "config",
		Usage: "path to configuration yaml file",
		Value: "/etc/zbo/config.yaml",
	}

	cmd := &cli.Command{
		Name:    "zbo",
		Usage:   "Snapshot-consistent backup and preseed orchestrator",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "Run one snapshot-consistent backup job",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:     "job",
						Usage:    "Name of the backup job to run",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBackup(ctx, cmd.String("config"), cmd.String("job"))
				},
			},
			{
				Name:  "preseed",
				Usage: "Evaluate the restore gate for a service",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:     "service",
						Usage:    "Name of the gated service",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runPreseed(ctx, cmd.String("config"), cmd.String("service"))
				},
			},
			{
				Name:  "resolve",
				Usage: "Print the replication binding for a dataset",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:     "dataset",
						Usage:    "Dataset path to resolve",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runResolve(cmd.String("config"), cmd.String("dataset"))
				},
			},
			{
				Name:  "units",
				Usage: "Emit systemd unit files for every job and gate",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:     "output",
						Usage:    "Directory to write unit files into",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "executable",
						Usage: "Path to the zbo binary referenced by the units",
						Value: "/usr/local/bin/zbo",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runUnits(cmd.String("config"), cmd.String("output"), cmd.String("executable"))
				},
			},
			{
				Name:  "status",
				Usage: "Print the last known outcome of every job and gate",
				Flags: []cli.Flag{configFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runStatus(cmd.String("config"))
				},
			},
			{
				Name:  "check",
				Usage: "Validate the configuration without running anything",
				Flags: []cli.Flag{configFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCheck(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "prune",
				Usage: "Run repository maintenance",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:     "repository",
						Usage:    "Name of the repository to prune",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runPrune(ctx, cmd.String("config"), cmd.String("repository"))
				},
			},
			{
				Name:  "cleanup",
				Usage: "Destroy leftover snapshot clones of a backup job",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:     "job",
						Usage:    "Name of the backup job to clean up after",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCleanup(ctx, cmd.String("config"), cmd.String("job"))
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if ctx.Err() == context.Canceled {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
