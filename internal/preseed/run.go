package preseed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"

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

// Deps mirrors backupjob.Deps: the collaborators a gate run needs.
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

// Run evaluates the preseed gate for one service, emitting a run report
// and metrics on every exit path. A non-nil error means the gate failed
// and the dependent service must not start.
func Run(ctx context.Context, cfg *config.Config, deps Deps, service string) error {
	ps, err := cfg.FindPreseed(service)
	if err != nil {
		return err
	}
	if !ps.Enable {
		slog.Info("Preseed disabled for service, gate passes", "service", service)
		return nil
	}

	reg, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}
	decl, ok := reg.Lookup(ps.Dataset)
	if !ok {
		return fmt.Errorf("dataset %s is not declared", ps.Dataset)
	}

	// The replication pull and any backup of this dataset are mutually
	// exclusive; the scheduler keeps them apart, the lock backstops it.
	// Same lock file a backup job takes for this dataset.
	lockPath := cfg.LockPath(ps.Dataset)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	release, err := lock.Acquire(lockPath, ps.Dataset, "preseed-"+service)
	if err != nil {
		return fmt.Errorf("failed to acquire dataset lock: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			slog.Warn("Failed to release dataset lock", "error", err)
		}
	}()

	methods, err := buildMethods(cfg, deps, ps, reg, decl.Mountpoint)
	if err != nil {
		return err
	}

	gate := NewGate(service, decl, methods, time.Duration(ps.Timeout())*time.Minute)

	started := time.Now()
	run, gateErr := gate.Run(ctx)
	finishRun(ctx, cfg, deps, run, started)

	return gateErr
}

// buildMethods instantiates the administrator-configured method order.
// The repository client is only constructed when the order includes the
// repository method, so a replication-only gate needs no credentials.
func buildMethods(cfg *config.Config, deps Deps, ps *config.Preseed, reg *registry.Registry, mountpoint string) ([]Method, error) {
	hostname, _ := os.Hostname()

	var repoClient *restic.Client
	needsRepo := false
	for _, name := range ps.MethodOrder() {
		if name == "repository" {
			needsRepo = true
		}
	}
	if needsRepo {
		repo, err := cfg.FindRepository(ps.Repository)
		if err != nil {
			return nil, err
		}
		password, err := crypto.ReadSecretFile(repo.PasswordFile, deps.Identity)
		if err != nil {
			return nil, fmt.Errorf("failed to read repository password: %w", err)
		}
		repoClient = deps.NewClient(repo.URL, password)
	}

	var methods []Method
	for _, name := range ps.MethodOrder() {
		switch name {
		case "replication":
			binding, ok := reg.Resolve(ps.Dataset)
			if !ok {
				binding = nil
			}
			methods = append(methods, NewReplicationMethod(deps.ZFS, binding, ps.Dataset))
		case "local-snapshot":
			methods = append(methods, NewLocalSnapshotMethod(deps.ZFS, ps.Dataset))
		case "repository":
			methods = append(methods, NewRepositoryMethod(repoClient, ps.Tags, mountpoint, hostname))
		default:
			return nil, fmt.Errorf("unknown restore method %q", name)
		}
	}
	return methods, nil
}

// finishRun persists the gate report, ships it if configured, and emits
// metrics regardless of the gate outcome.
func finishRun(ctx context.Context, cfg *config.Config, deps Deps, run *manifest.PreseedRun, started time.Time) {
	reportPath := filepath.Join(cfg.RunDir("preseed-"+run.Service), fmt.Sprintf("run-%s.yaml", run.RunID))
	if err := manifest.WritePreseedRun(reportPath, run); err != nil {
		slog.Warn("Failed to write preseed report", "error", err)
	} else if deps.Reports != nil {
		hash, err := crypto.BLAKE3File(reportPath)
		if err != nil {
			slog.Warn("Failed to hash preseed report", "error", err)
		}
		remotePath := filepath.Join("reports", run.Hostname, "preseed", run.Service, filepath.Base(reportPath))
		if err := deps.Reports.Upload(ctx, reportPath, remotePath, hash, "preseed-"+run.Service); err != nil {
			slog.Warn("Failed to ship preseed report", "error", err)
		}
	}

	attempts := make([]metrics.AttemptRecord, 0, len(run.Attempts))
	for _, a := range run.Attempts {
		attempts = append(attempts, metrics.AttemptRecord{Method: a.Method, Outcome: a.Outcome})
	}
	rec := metrics.PreseedRecord{
		Service:   run.Service,
		Success:   run.Outcome == OutcomeSuccess,
		Duration:  time.Since(started),
		Attempts:  attempts,
		Timestamp: time.Unix(run.FinishedAt, 0),
	}
	if err := metrics.WritePreseed(cfg.MetricsDir, rec); err != nil {
		slog.Warn("Failed to write metrics", "error", err)
	}
}
