package preseed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v5"

	"zbo/internal/registry"
	"zbo/internal/restic"
	"zbo/internal/zfs"
)

// Outcome of one restore method attempt. not-applicable means "this
// method has nothing to work with, try the next one"; failed means the
// method had the preconditions but broke, which is logged loudly without
// stopping the sequence.
const (
	OutcomeSuccess       = "success"
	OutcomeNotApplicable = "not-applicable"
	OutcomeFailed        = "failed"
)

// Method is one restore strategy. Implementations must be safe to skip
// entirely and must not leave partial state behind on not-applicable.
type Method interface {
	Name() string
	Restore(ctx context.Context) (outcome string, reason string)
}

// replicationMethod pulls the dataset's current state back from the
// resolved replication target.
type replicationMethod struct {
	zfs     *zfs.Manager
	binding *registry.Binding
	dataset string
}

func NewReplicationMethod(m *zfs.Manager, binding *registry.Binding, dataset string) Method {
	return &replicationMethod{zfs: m, binding: binding, dataset: dataset}
}

func (r *replicationMethod) Name() string { return "replication" }

func (r *replicationMethod) Restore(ctx context.Context) (string, string) {
	if r.binding == nil {
		return OutcomeNotApplicable, "no replication target declared for dataset or any ancestor"
	}

	// Network blips are retried; a target with no snapshot is terminal.
	operation := func() (string, error) {
		snap, err := r.zfs.Pull(ctx, r.binding, r.dataset)
		if errors.Is(err, zfs.ErrNoRemoteSnapshot) {
			return "", backoff.Permanent(err)
		}
		return snap, err
	}
	snap, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3))
	if errors.Is(err, zfs.ErrNoRemoteSnapshot) {
		return OutcomeNotApplicable, fmt.Sprintf("no snapshot for %s on %s", r.binding.TargetDataset, r.binding.TargetHost)
	}
	if err != nil {
		return OutcomeFailed, err.Error()
	}

	slog.Info("Replication pull restored dataset", "dataset", r.dataset, "snapshot", snap)
	return OutcomeSuccess, fmt.Sprintf("pulled %s from %s", snap, r.binding.TargetHost)
}

// localSnapshotMethod rolls the dataset back to its newest retained local
// snapshot. Covers the case where the live directory was lost but the
// snapshot history survived.
type localSnapshotMethod struct {
	zfs     *zfs.Manager
	dataset string
}

func NewLocalSnapshotMethod(m *zfs.Manager, dataset string) Method {
	return &localSnapshotMethod{zfs: m, dataset: dataset}
}

func (l *localSnapshotMethod) Name() string { return "local-snapshot" }

func (l *localSnapshotMethod) Restore(ctx context.Context) (string, string) {
	snapshots, err := l.zfs.ListSnapshots(ctx, l.dataset, "")
	if err != nil {
		return OutcomeFailed, err.Error()
	}
	if len(snapshots) == 0 {
		return OutcomeNotApplicable, "no local snapshots exist"
	}

	newest := snapshots[0]
	if err := l.zfs.Rollback(ctx, newest); err != nil {
		return OutcomeFailed, err.Error()
	}
	slog.Info("Rolled dataset back to local snapshot", "dataset", l.dataset, "snapshot", newest)
	return OutcomeSuccess, fmt.Sprintf("rolled back to %s", newest)
}

// repositoryMethod restores the latest matching-tag snapshot from the
// backup repository. Slowest path, deliberately last in the default
// order.
type repositoryMethod struct {
	client     *restic.Client
	tags       []string
	mountpoint string
	hostname   string
}

func NewRepositoryMethod(client *restic.Client, tags []string, mountpoint, hostname string) Method {
	return &repositoryMethod{client: client, tags: tags, mountpoint: mountpoint, hostname: hostname}
}

func (r *repositoryMethod) Name() string { return "repository" }

func (r *repositoryMethod) Restore(ctx context.Context) (string, string) {
	snapshots, err := r.client.Snapshots(ctx, r.tags, "")
	if err != nil {
		return OutcomeFailed, err.Error()
	}
	if len(snapshots) == 0 {
		return OutcomeNotApplicable, "repository holds no matching snapshot"
	}

	// Snapshots are taken from the clone mountpoint, not the live one.
	// Restoring the archived root as a subtree drops that path prefix so
	// the files land directly in the live mountpoint.
	selector := "latest"
	newest := snapshots[len(snapshots)-1]
	if len(newest.Paths) == 1 {
		selector = "latest:" + newest.Paths[0]
	}
	if err := r.client.Restore(ctx, selector, r.mountpoint, r.tags, nil); err != nil {
		return OutcomeFailed, err.Error()
	}
	slog.Info("Repository restore completed", "mountpoint", r.mountpoint, "tags", r.tags)
	return OutcomeSuccess, "restored latest repository snapshot"
}
