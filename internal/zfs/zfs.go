package zfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// CommandRunner runs one external command and returns its stdout. The
// default implementation shells out; tests substitute a fake so snapshot
// and clone lifecycles can be exercised without a pool.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

// Manager wraps the zfs command line for one host.
type Manager struct {
	runner CommandRunner
}

func NewManager() *Manager {
	return &Manager{runner: execRunner{}}
}

// NewManagerWithRunner is used by tests.
func NewManagerWithRunner(r CommandRunner) *Manager {
	return &Manager{runner: r}
}

func (m *Manager) DatasetExists(ctx context.Context, dataset string) error {
	if _, err := m.runner.Run(ctx, "zfs", "list", "-H", "-o", "name", dataset); err != nil {
		return fmt.Errorf("dataset %s not found or not accessible", dataset)
	}
	return nil
}

// Snapshot creates dataset@name. Failure here is fatal for the caller's
// run; it is never retried within the run.
func (m *Manager) Snapshot(ctx context.Context, dataset, name string) (string, error) {
	full := fmt.Sprintf("%s@%s", dataset, name)
	if _, err := m.runner.Run(ctx, "zfs", "snapshot", full); err != nil {
		return "", fmt.Errorf("failed to create snapshot %s: %w", full, err)
	}
	slog.Info("Snapshot created", "snapshot", full)
	return full, nil
}

func (m *Manager) DestroySnapshot(ctx context.Context, snapshot string) error {
	if !strings.Contains(snapshot, "@") {
		return fmt.Errorf("refusing to destroy %s: not a snapshot name", snapshot)
	}
	if _, err := m.runner.Run(ctx, "zfs", "destroy", snapshot); err != nil {
		return fmt.Errorf("failed to destroy snapshot %s: %w", snapshot, err)
	}
	slog.Info("Snapshot destroyed", "snapshot", snapshot)
	return nil
}

// Clone mounts a read-only clone of snapshot at mountpoint.
func (m *Manager) Clone(ctx context.Context, snapshot, cloneDataset, mountpoint string) error {
	_, err := m.runner.Run(ctx, "zfs", "clone",
		"-o", "readonly=on",
		"-o", "mountpoint="+mountpoint,
		snapshot, cloneDataset)
	if err != nil {
		return fmt.Errorf("failed to clone %s to %s: %w", snapshot, cloneDataset, err)
	}
	slog.Info("Clone mounted", "snapshot", snapshot, "clone", cloneDataset, "mountpoint", mountpoint)
	return nil
}

func (m *Manager) DestroyClone(ctx context.Context, cloneDataset string) error {
	if _, err := m.runner.Run(ctx, "zfs", "destroy", cloneDataset); err != nil {
		return fmt.Errorf("failed to destroy clone %s: %w", cloneDataset, err)
	}
	slog.Info("Clone destroyed", "clone", cloneDataset)
	return nil
}

// ListSnapshots returns the snapshots of dataset, newest first by
// creation time, optionally filtered by name prefix. Ordering comes from
// zfs itself: snapshot names mix schemes (zbo, sanoid, hand-made) and
// sorting them lexically would not be chronological.
func (m *Manager) ListSnapshots(ctx context.Context, dataset, prefix string) ([]string, error) {
	output, err := m.runner.Run(ctx, "zfs", "list", "-H", "-o", "name", "-t", "snapshot", "-S", "creation", dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots of %s: %w", dataset, err)
	}
	return parseSnapshotList(string(output), prefix), nil
}

// parseSnapshotList filters the listing, preserving the command's order.
func parseSnapshotList(output, prefix string) []string {
	var snapshots []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, "@", 2)
		if len(parts) != 2 {
			continue
		}
		if prefix != "" && !strings.HasPrefix(parts[1], prefix) {
			continue
		}
		snapshots = append(snapshots, line)
	}
	return snapshots
}

// Rollback discards every change since snapshot, destroying any more
// recent snapshots in the process.
func (m *Manager) Rollback(ctx context.Context, snapshot string) error {
	if _, err := m.runner.Run(ctx, "zfs", "rollback", "-r", snapshot); err != nil {
		return fmt.Errorf("failed to roll back to %s: %w", snapshot, err)
	}
	slog.Info("Rolled back", "snapshot", snapshot)
	return nil
}

// Mountpoint reports where a dataset is mounted.
func (m *Manager) Mountpoint(ctx context.Context, dataset string) (string, error) {
	output, err := m.runner.Run(ctx, "zfs", "get", "-H", "-o", "value", "mountpoint", dataset)
	if err != nil {
		return "", fmt.Errorf("failed to read mountpoint of %s: %w", dataset, err)
	}
	return strings.TrimSpace(string(output)), nil
}
