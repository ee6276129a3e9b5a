package zfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// CloneSession scopes a snapshot and its read-only clone to exactly one
// backup run. Acquire pairs snapshot+clone creation; Release tears both
// down and is safe to call more than once. Callers defer Release
// immediately after a successful Acquire so teardown happens on every
// exit path, cancellation included (Release ignores the run context and
// uses its own deadline, so a cancelled run still cleans up).
type CloneSession struct {
	manager      *Manager
	Snapshot     string
	CloneDataset string
	Mountpoint   string
	released     bool
}

// AcquireClone snapshots dataset and mounts a read-only clone at a
// job-private mountpoint under cloneBase, distinct from wherever the live
// dataset is mounted. The snapshot name is job-qualified and timestamped
// so concurrent jobs on different datasets can never collide.
func (m *Manager) AcquireClone(ctx context.Context, dataset, job, cloneBase string) (*CloneSession, error) {
	name := fmt.Sprintf("zbo-%s-%s", job, time.Now().Format("20060102-150405"))
	snapshot, err := m.Snapshot(ctx, dataset, name)
	if err != nil {
		return nil, err
	}

	cloneDataset := fmt.Sprintf("%s_%s", dataset, name)
	mountpoint := filepath.Join(cloneBase, job)
	if err := m.Clone(ctx, snapshot, cloneDataset, mountpoint); err != nil {
		// The snapshot must not outlive a failed acquisition.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if derr := m.DestroySnapshot(cleanupCtx, snapshot); derr != nil {
			slog.Warn("Failed to destroy snapshot after clone failure", "snapshot", snapshot, "error", derr)
		}
		return nil, err
	}

	return &CloneSession{
		manager:      m,
		Snapshot:     snapshot,
		CloneDataset: cloneDataset,
		Mountpoint:   mountpoint,
	}, nil
}

// Release destroys the clone, then the snapshot. Idempotent.
func (s *CloneSession) Release() error {
	if s.released {
		return nil
	}
	s.released = true

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var errs []error
	if err := s.manager.DestroyClone(ctx, s.CloneDataset); err != nil {
		errs = append(errs, err)
	}
	if err := s.manager.DestroySnapshot(ctx, s.Snapshot); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("clone teardown incomplete: %w", errors.Join(errs...))
	}
	slog.Info("Clone session released", "snapshot", s.Snapshot, "clone", s.CloneDataset)
	return nil
}

// CleanupJobArtifacts destroys any snapshot or clone a previous run of
// job left behind on dataset. Normally a no-op; it backs the supervisor's
// ExecStopPost edge so even a SIGKILLed run cannot leak its clone.
func (m *Manager) CleanupJobArtifacts(ctx context.Context, dataset, job string) error {
	prefix := fmt.Sprintf("zbo-%s-", job)
	snapshots, err := m.ListSnapshots(ctx, dataset, prefix)
	if err != nil {
		return err
	}

	var errs []error
	for _, snapshot := range snapshots {
		name := strings.SplitN(snapshot, "@", 2)[1]
		cloneDataset := fmt.Sprintf("%s_%s", dataset, name)
		if err := m.DatasetExists(ctx, cloneDataset); err == nil {
			if err := m.DestroyClone(ctx, cloneDataset); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := m.DestroySnapshot(ctx, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("leftover cleanup incomplete for %s: %w", dataset, errors.Join(errs...))
	}
	if len(snapshots) > 0 {
		slog.Info("Cleaned up leftover job artifacts", "dataset", dataset, "job", job, "count", len(snapshots))
	}
	return nil
}

// RebasePath maps a path under the live mountpoint to the equivalent path
// inside the clone, so the backup tool only ever reads the frozen view.
func (s *CloneSession) RebasePath(liveMount, path string) (string, error) {
	rel, err := filepath.Rel(liveMount, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is not under mountpoint %s", path, liveMount)
	}
	if rel == "." {
		return s.Mountpoint, nil
	}
	return filepath.Join(s.Mountpoint, rel), nil
}
