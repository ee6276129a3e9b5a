package main

import (
	"context"
	"fmt"
	"log/slog"

	"zbo/internal/crypto"
	"zbo/internal/restic"
)

func runPrune(ctx context.Context, configPath, repoName string) error {
	cfg, closeLog, err := setupRun(configPath, "prune-"+repoName)
	if err != nil {
		return err
	}
	defer closeLog()

	repo, err := cfg.FindRepository(repoName)
	if err != nil {
		return err
	}
	identity, err := loadIdentity(cfg)
	if err != nil {
		return err
	}
	password, err := crypto.ReadSecretFile(repo.PasswordFile, identity)
	if err != nil {
		return fmt.Errorf("failed to read repository password: %w", err)
	}

	slog.Info("Prune started", "repository", repoName)
	return restic.NewClient(repo.URL, password).Prune(ctx)
}
