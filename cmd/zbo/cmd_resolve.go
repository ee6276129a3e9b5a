package main

import (
	"fmt"

	"zbo/internal/config"
)

func runResolve(configPath, dataset string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	reg, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}

	binding, ok := reg.Resolve(dataset)
	if !ok {
		fmt.Printf("%s: no replication target\n", dataset)
		return nil
	}

	fmt.Printf("source:  %s\n", binding.SourcePath)
	fmt.Printf("host:    %s\n", binding.TargetHost)
	fmt.Printf("target:  %s\n", binding.TargetDataset)
	if binding.SSHUser != "" {
		fmt.Printf("user:    %s\n", binding.SSHUser)
	}
	return nil
}
