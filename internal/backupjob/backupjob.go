package backupjob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"

	"zbo/internal/config"
	"zbo/internal/crypto"
	"zbo/internal/lock"
	"zbo/internal/manifest"
	"zbo/internal/metrics"
	"zbo/internal/registry"
	"zbo/internal/remote"
	"zbo/internal/restic"
	"zbo/internal/zfs"
)

// Run states, in order of progress. The report records the furthest state
// reached so a failed run shows where it died.
const (
	StateIdle           = "idle"
	StateCloneMounted   = "clone-mounted"
	StateBackupRunning  = "backup-running"
	StateSucceeded      = "succeeded"
	StatePartialSuccess = "partial-success"
	StateFailed         = "failed"
)

// Deps carries the external collaborators; tests substitute fakes at the
// command-runner level underneath these.
type Deps struct {
	ZFS       *zfs.Manager
	NewClient func(repositoryURL, password string) *restic.Client
	Reports   remote.Backend
	Identity  age.Identity
}

func DefaultDeps() Deps {
	return Deps{
		ZFS:       zfs.NewManager(),
		NewClient: restic.NewClient,
	}
}

// Run executes one snapshot-consistent backup run for the named job. The
// snapshot and clone, when used, never outlive the run: teardown is
// deferred right after acquisition and fires on success, failure, and
// cancellation alike. A metrics record and a run report are emitted on
// every exit path.
func Run(ctx context.Context, cfg *config.Config, deps Deps, jobName string) error {
	job, err := cfg.FindBackup(jobName)
	if err != nil {
		return err
	}
	repo, err := cfg.FindRepository(job.Repository)
	if err != nil {
		return err
	}
	reg, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}

	password, err := crypto.ReadSecretFile(repo.PasswordFile, deps.Identity)
	if err != nil {
		return fmt.Errorf("failed to read repository password: %w", err)
	}

	hostname, _ := os.Hostname()
	run := &manifest.BackupRun{
		RunID:      uuid.NewString(),
		Job:        job.Name,
		Hostname:   hostname,
		Dataset:    job.Dataset,
		Repository: repo.Name,
		StartedAt:  time.Now().Unix(),
		State:      StateIdle,
	}
	started := time.Now()

	var summary *restic.Summary
	runErr := func() error {
		if job.Dataset != "" {
			lockPath := cfg.LockPath(job.Dataset)
			if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
				return fmt.Errorf("failed to create lock directory: %w", err)
			}
			release, err := lock.Acquire(lockPath, job.Dataset, job.Name)
			if err != nil {
				return fmt.Errorf("failed to acquire dataset lock: %w", err)
			}
			defer func() {
				if err := release(); err != nil {
					slog.Warn("Failed to release dataset lock", "error", err)
				}
			}()
		}

		paths := job.Paths
		var decl registry.Declaration
		if job.Dataset != "" {
			decl, _ = reg.Lookup(job.Dataset)
			if len(paths) == 0 && decl.Mountpoint != "" {
				paths = []string{decl.Mountpoint}
			}
		}

		if job.UseSnapshots {
			if err := deps.ZFS.DatasetExists(ctx, job.Dataset); err != nil {
				return err
			}

			// Snapshot failure is fatal for the run, never retried here.
			session, err := deps.ZFS.AcquireClone(ctx, job.Dataset, job.Name, cfg.CloneBaseDir())
			if err != nil {
				return fmt.Errorf("failed to acquire snapshot clone: %w", err)
			}
			defer func() {
				if err := session.Release(); err != nil {
					slog.Error("Clone teardown failed", "error", err)
				}
			}()
			run.State = StateCloneMounted
			run.Snapshot = session.Snapshot
			run.CloneDataset = session.CloneDataset

			rebased := make([]string, len(paths))
			for i, p := range paths {
				rp, err := session.RebasePath(decl.Mountpoint, p)
				if err != nil {
					return err
				}
				rebased[i] = rp
			}
			paths = rebased
			slog.Info("Backing up frozen clone view", "paths", paths)
		}

		if ctx.Err() != nil {
			return fmt.Errorf("backup cancelled before repository run: %w", ctx.Err())
		}

		run.State = StateBackupRunning
		client := deps.NewClient(repo.URL, password)
		summary, err = client.Backup(ctx, paths, job.Exclude, job.Tags, hostname)
		if err != nil {
			return err
		}

		if !job.Retention.Empty() {
			if err := client.Forget(ctx, job.Retention, job.Tags); err != nil {
				// Retention failure does not invalidate the snapshot
				// that was just created.
				slog.Warn("Retention pass failed", "error", err)
			}
		}
		return nil
	}()

	run.FinishedAt = time.Now().Unix()
	if runErr != nil {
		run.State = StateFailed
		run.Error = runErr.Error()
	} else {
		run.State = StateSucceeded
		if summary.Partial {
			run.State = StatePartialSuccess
		}
		run.Partial = summary.Partial
		run.SnapshotID = summary.SnapshotID
		run.Bytes = summary.TotalBytesProcessed
		run.Files = summary.TotalFilesProcessed
	}

	finishRun(ctx, cfg, deps, run, started)

	if runErr != nil {
		return fmt.Errorf("backup job %s failed: %w", job.Name, runErr)
	}
	slog.Info("Backup completed", "job", job.Name, "partial", run.Partial, "snapshotID", run.SnapshotID)
	return nil
}

// finishRun writes the report, updates the last-run ref on success, ships
// the report if configured, and emits metrics. None of these can fail the
// run itself.
func finishRun(ctx context.Context, cfg *config.Config, deps Deps, run *manifest.BackupRun, started time.Time) {
	succeeded := run.State == StateSucceeded || run.State == StatePartialSuccess

	reportPath := filepath.Join(cfg.RunDir(run.Job), fmt.Sprintf("run-%s.yaml", run.RunID))
	if err := manifest.WriteBackupRun(reportPath, run); err != nil {
		slog.Warn("Failed to write run report", "error", err)
	} else if succeeded {
		hash, err := crypto.BLAKE3File(reportPath)
		if err != nil {
			slog.Warn("Failed to hash run report", "error", err)
		}
		last := &manifest.LastRun{
			RunID:      run.RunID,
			FinishedAt: run.FinishedAt,
			Snapshot:   run.Snapshot,
			SnapshotID: run.SnapshotID,
			Report:     reportPath,
			Blake3Hash: hash,
		}
		if err := manifest.WriteLastRun(filepath.Join(cfg.RunDir(run.Job), "last_run.yaml"), last); err != nil {
			slog.Warn("Failed to write last run ref", "error", err)
		}
		if deps.Reports != nil {
			remotePath := filepath.Join("reports", run.Hostname, "backup", run.Job, filepath.Base(reportPath))
			if err := deps.Reports.Upload(ctx, reportPath, remotePath, hash, run.Job); err != nil {
				slog.Warn("Failed to ship run report", "error", err)
			}
		}
	}

	rec := metrics.BackupRecord{
		Job:       run.Job,
		Success:   succeeded,
		Partial:   run.Partial,
		Duration:  time.Since(started),
		Bytes:     run.Bytes,
		Files:     run.Files,
		Timestamp: time.Unix(run.FinishedAt, 0),
	}
	if err := metrics.WriteBackup(cfg.MetricsDir, rec); err != nil {
		slog.Warn("Failed to write metrics", "error", err)
	}
}
