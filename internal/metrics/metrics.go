package metrics

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// One .prom file per job name, overwritten atomically on every run, in the
// node-exporter textfile collector format. Names are stable and
// job-qualified only through labels, so fleet dashboards need no
// per-service wiring.

// BackupRecord is emitted after every backup run, success or not.
type BackupRecord struct {
	Job       string
	Success   bool
	Partial   bool
	Duration  time.Duration
	Bytes     int64
	Files     int64
	Timestamp time.Time
}

// WriteBackup renders the record into <dir>/zbo-backup-<job>.prom.
func WriteBackup(dir string, rec BackupRecord) error {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"job": rec.Job}

	status := newGauge(reg, "zbo_backup_status",
		"Whether the last backup run succeeded (1) or failed (0).", labels)
	partial := newGauge(reg, "zbo_backup_partial",
		"Whether the last successful backup skipped unreadable files.", labels)
	duration := newGauge(reg, "zbo_backup_duration_seconds",
		"Wall-clock duration of the last backup run.", labels)
	bytes := newGauge(reg, "zbo_backup_bytes_processed",
		"Bytes processed by the last backup run.", labels)
	files := newGauge(reg, "zbo_backup_files_processed",
		"Files processed by the last backup run.", labels)

	status.Set(boolValue(rec.Success))
	partial.Set(boolValue(rec.Partial))
	duration.Set(rec.Duration.Seconds())
	bytes.Set(float64(rec.Bytes))
	files.Set(float64(rec.Files))

	if rec.Success {
		lastSuccess := newGauge(reg, "zbo_backup_last_success_timestamp",
			"Unix time of the last successful backup run.", labels)
		lastSuccess.Set(float64(rec.Timestamp.Unix()))
	}

	return writeTextfile(dir, fmt.Sprintf("zbo-backup-%s.prom", rec.Job), reg)
}

// AttemptRecord is one restore method's outcome during a preseed gate.
type AttemptRecord struct {
	Method  string
	Outcome string
}

// PreseedRecord is emitted after every preseed gate evaluation.
type PreseedRecord struct {
	Service   string
	Success   bool
	Duration  time.Duration
	Attempts  []AttemptRecord
	Timestamp time.Time
}

// Outcome encoding for zbo_preseed_method_outcome.
const (
	outcomeSuccess       = 1
	outcomeNotApplicable = 2
	outcomeFailed        = 3
)

// WritePreseed renders the record into <dir>/zbo-preseed-<service>.prom.
func WritePreseed(dir string, rec PreseedRecord) error {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": rec.Service}

	status := newGauge(reg, "zbo_preseed_status",
		"Whether the last preseed gate passed (1) or failed (0).", labels)
	duration := newGauge(reg, "zbo_preseed_duration_seconds",
		"Wall-clock duration of the last preseed gate.", labels)

	status.Set(boolValue(rec.Success))
	duration.Set(rec.Duration.Seconds())

	if rec.Success {
		lastSuccess := newGauge(reg, "zbo_preseed_last_success_timestamp",
			"Unix time of the last successful preseed gate.", labels)
		lastSuccess.Set(float64(rec.Timestamp.Unix()))
	}

	if len(rec.Attempts) > 0 {
		outcome := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "zbo_preseed_method_outcome",
			Help:        "Outcome of each attempted restore method (1 success, 2 not applicable, 3 failed).",
			ConstLabels: labels,
		}, []string{"method"})
		reg.MustRegister(outcome)
		for _, a := range rec.Attempts {
			outcome.WithLabelValues(a.Method).Set(outcomeValue(a.Outcome))
		}
	}

	return writeTextfile(dir, fmt.Sprintf("zbo-preseed-%s.prom", rec.Service), reg)
}

func newGauge(reg *prometheus.Registry, name, help string, labels prometheus.Labels) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	reg.MustRegister(g)
	return g
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func outcomeValue(outcome string) float64 {
	switch outcome {
	case "success":
		return outcomeSuccess
	case "not-applicable":
		return outcomeNotApplicable
	default:
		return outcomeFailed
	}
}

// writeTextfile gathers the registry and replaces the target file with a
// tmp+rename so the scraper never observes a half-written set.
func writeTextfile(dir, filename string, reg *prometheus.Registry) error {
	if dir == "" {
		slog.Debug("Metrics directory not configured, skipping emission", "file", filename)
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}

	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	path := filepath.Join(dir, filename)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}

	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close metrics file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish metrics file: %w", err)
	}

	slog.Debug("Metrics written", "path", path)
	return nil
}
