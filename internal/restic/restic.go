package restic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// PartialSuccessExitCode is restic's distinguished exit status for "a valid
// snapshot was created but some source files could not be read". It counts
// as success for job completion, flagged separately in metrics.
const PartialSuccessExitCode = 3

// CommandRunner executes the restic binary. Tests substitute a fake to
// drive exit codes and JSON output without a repository.
type CommandRunner interface {
	Run(ctx context.Context, env []string, args ...string) (stdout []byte, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, env []string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, "restic", args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out

	err := cmd.Run()
	if err == nil {
		return out.Bytes(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), exitErr.ExitCode(), nil
	}
	return nil, -1, err
}

// Client wraps one restic repository.
type Client struct {
	runner     CommandRunner
	repository string
	password   string
}

func NewClient(repository, password string) *Client {
	return &Client{runner: execRunner{}, repository: repository, password: password}
}

func NewClientWithRunner(repository, password string, r CommandRunner) *Client {
	return &Client{runner: r, repository: repository, password: password}
}

func (c *Client) env() []string {
	return []string{
		"RESTIC_REPOSITORY=" + c.repository,
		"RESTIC_PASSWORD=" + c.password,
	}
}

// Summary is the outcome of one backup invocation, parsed from restic's
// JSON summary record when available.
type Summary struct {
	SnapshotID          string `json:"snapshot_id"`
	FilesNew            int64  `json:"files_new"`
	FilesChanged        int64  `json:"files_changed"`
	TotalFilesProcessed int64  `json:"total_files_processed"`
	TotalBytesProcessed int64  `json:"total_bytes_processed"`
	Partial             bool   `json:"-"`
}

// Backup archives paths into the repository. Exit code 3 yields a Summary
// with Partial set and a nil error; every other non-zero code is a hard
// failure.
func (c *Client) Backup(ctx context.Context, paths, excludes, tags []string, host string) (*Summary, error) {
	args := []string{"backup", "--json"}
	if host != "" {
		args = append(args, "--host", host)
	}
	for _, tag := range tags {
		args = append(args, "--tag", tag)
	}
	for _, pattern := range excludes {
		args = append(args, "--exclude", pattern)
	}
	args = append(args, paths...)

	out, code, err := c.runner.Run(ctx, c.env(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run restic backup: %w", err)
	}
	switch code {
	case 0:
	case PartialSuccessExitCode:
		slog.Warn("Backup completed with unreadable source files", "exitCode", code)
	default:
		return nil, fmt.Errorf("restic backup failed with exit code %d", code)
	}

	summary := parseSummary(out)
	summary.Partial = code == PartialSuccessExitCode
	return summary, nil
}

// parseSummary scans restic's line-oriented JSON output for the final
// summary record. A backup without one still succeeded; counters just
// stay zero.
func parseSummary(output []byte) *Summary {
	var summary Summary
	for _, line := range bytes.Split(output, []byte("\n")) {
		if !bytes.Contains(line, []byte(`"message_type":"summary"`)) {
			continue
		}
		if err := json.Unmarshal(line, &summary); err != nil {
			slog.Warn("Failed to parse restic summary line", "error", err)
		}
	}
	return &summary
}

// Snapshot is one repository entry as reported by restic.
type Snapshot struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Paths    []string  `json:"paths"`
	Tags     []string  `json:"tags"`
}

// Snapshots lists repository snapshots matching every given tag.
func (c *Client) Snapshots(ctx context.Context, tags []string, host string) ([]Snapshot, error) {
	args := []string{"snapshots", "--json"}
	if len(tags) > 0 {
		args = append(args, "--tag", strings.Join(tags, ","))
	}
	if host != "" {
		args = append(args, "--host", host)
	}

	out, code, err := c.runner.Run(ctx, c.env(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run restic snapshots: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("restic snapshots failed with exit code %d", code)
	}

	var snapshots []Snapshot
	if err := json.Unmarshal(out, &snapshots); err != nil {
		return nil, fmt.Errorf("failed to parse restic snapshots output: %w", err)
	}
	return snapshots, nil
}

// Restore extracts snapshotID (or "latest", filtered by tags) into target,
// optionally narrowed to the given include paths.
func (c *Client) Restore(ctx context.Context, snapshotID, target string, tags, includes []string) error {
	args := []string{"restore", snapshotID, "--target", target}
	if len(tags) > 0 {
		args = append(args, "--tag", strings.Join(tags, ","))
	}
	for _, include := range includes {
		args = append(args, "--include", include)
	}

	_, code, err := c.runner.Run(ctx, c.env(), args...)
	if err != nil {
		return fmt.Errorf("failed to run restic restore: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("restic restore failed with exit code %d", code)
	}
	slog.Info("Restic restore completed", "snapshot", snapshotID, "target", target)
	return nil
}

// RetentionPolicy maps to restic forget's --keep flags. Zero values are
// omitted.
type RetentionPolicy struct {
	KeepLast    int `yaml:"keep_last,omitempty"`
	KeepDaily   int `yaml:"keep_daily,omitempty"`
	KeepWeekly  int `yaml:"keep_weekly,omitempty"`
	KeepMonthly int `yaml:"keep_monthly,omitempty"`
}

func (p RetentionPolicy) Empty() bool {
	return p.KeepLast == 0 && p.KeepDaily == 0 && p.KeepWeekly == 0 && p.KeepMonthly == 0
}

// Forget applies the retention policy to snapshots matching tags.
func (c *Client) Forget(ctx context.Context, policy RetentionPolicy, tags []string) error {
	args := []string{"forget"}
	if policy.KeepLast > 0 {
		args = append(args, "--keep-last", fmt.Sprint(policy.KeepLast))
	}
	if policy.KeepDaily > 0 {
		args = append(args, "--keep-daily", fmt.Sprint(policy.KeepDaily))
	}
	if policy.KeepWeekly > 0 {
		args = append(args, "--keep-weekly", fmt.Sprint(policy.KeepWeekly))
	}
	if policy.KeepMonthly > 0 {
		args = append(args, "--keep-monthly", fmt.Sprint(policy.KeepMonthly))
	}
	if len(tags) > 0 {
		args = append(args, "--tag", strings.Join(tags, ","))
	}

	_, code, err := c.runner.Run(ctx, c.env(), args...)
	if err != nil {
		return fmt.Errorf("failed to run restic forget: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("restic forget failed with exit code %d", code)
	}
	return nil
}

// Prune removes unreferenced repository data. Must never run concurrently
// with a backup into the same repository; scheduling keeps them apart.
func (c *Client) Prune(ctx context.Context) error {
	_, code, err := c.runner.Run(ctx, c.env(), "prune")
	if err != nil {
		return fmt.Errorf("failed to run restic prune: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("restic prune failed with exit code %d", code)
	}
	slog.Info("Repository prune completed")
	return nil
}
