package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zbo/internal/config"
	"zbo/internal/manifest"
)

// runStatus prints the last known outcome of every backup job and
// preseed gate from their on-disk run reports.
func runStatus(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for _, b := range cfg.Backups {
		last, err := manifest.ReadLastRun(filepath.Join(cfg.RunDir(b.Name), "last_run.yaml"))
		if err != nil {
			return fmt.Errorf("backup %s: %w", b.Name, err)
		}
		if last == nil {
			fmt.Printf("backup %s: no successful run yet\n", b.Name)
			continue
		}
		run, err := manifest.ReadBackupRun(last.Report)
		if err != nil {
			fmt.Printf("backup %s: last success %s (report unreadable: %v)\n",
				b.Name, formatTime(last.FinishedAt), err)
			continue
		}
		fmt.Printf("backup %s: %s at %s, %d files, %d bytes\n",
			b.Name, run.State, formatTime(run.FinishedAt), run.Files, run.Bytes)
	}

	for _, p := range cfg.Preseeds {
		if !p.Enable {
			continue
		}
		reportPath, err := newestReport(cfg.RunDir("preseed-" + p.Service))
		if err != nil {
			return fmt.Errorf("preseed %s: %w", p.Service, err)
		}
		if reportPath == "" {
			fmt.Printf("preseed %s: never evaluated\n", p.Service)
			continue
		}
		run, err := manifest.ReadPreseedRun(reportPath)
		if err != nil {
			return fmt.Errorf("preseed %s: %w", p.Service, err)
		}
		fmt.Printf("preseed %s: %s at %s (%d attempts)\n",
			p.Service, run.Outcome, formatTime(run.FinishedAt), len(run.Attempts))
	}

	return nil
}

// newestReport finds the most recently written run report in dir, or ""
// when no run has been recorded.
func newestReport(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var newest string
	var newestTime time.Time
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "run-") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(dir, name)
			newestTime = info.ModTime()
		}
	}
	return newest, nil
}

func formatTime(unix int64) string {
	return time.Unix(unix, 0).Format(time.RFC3339)
}
