package main

import (
	"fmt"

	"zbo/internal/config"
	"zbo/internal/units"
)

func runUnits(configPath, outputDir, executable string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	reg, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}

	graph, err := units.BuildGraph(cfg, reg, executable, configPath)
	if err != nil {
		return err
	}
	if err := graph.Validate(); err != nil {
		return fmt.Errorf("unit graph validation failed: %w", err)
	}
	return graph.WriteAll(outputDir)
}
