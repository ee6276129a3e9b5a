package backupjob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zbo/internal/config"
	"zbo/internal/lock"
	"zbo/internal/registry"
	"zbo/internal/restic"
	"zbo/internal/zfs"
)

// fakeZFS tracks snapshot and clone lifecycles the way a real pool would.
type fakeZFS struct {
	calls        []string
	live         map[string]bool
	destroyOrder []string
	failVerb     string
}

func newFakeZFS() *fakeZFS {
	return &fakeZFS{live: map[string]bool{}}
}

func (f *fakeZFS) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	verb := args[0]
	if verb == f.failVerb {
		return nil, fmt.Errorf("fake zfs %s failure", verb)
	}
	switch verb {
	case "snapshot":
		f.live[args[1]] = true
	case "clone":
		f.live[args[len(args)-1]] = true
	case "destroy":
		target := args[len(args)-1]
		delete(f.live, target)
		f.destroyOrder = append(f.destroyOrder, target)
	}
	return nil, nil
}

// fakeRestic drives exit codes and JSON output per subcommand.
type fakeRestic struct {
	calls    [][]string
	exitCode int
	stdout   []byte
}

func (f *fakeRestic) Run(_ context.Context, _ []string, args ...string) ([]byte, int, error) {
	f.calls = append(f.calls, args)
	if args[0] == "backup" {
		return f.stdout, f.exitCode, nil
	}
	return nil, 0, nil
}

func (f *fakeRestic) backupArgs(t *testing.T) []string {
	t.Helper()
	for _, call := range f.calls {
		if call[0] == "backup" {
			return call
		}
	}
	t.Fatal("no backup invocation recorded")
	return nil
}

const summaryLine = `{"message_type":"summary","snapshot_id":"abc123","total_files_processed":42,"total_bytes_processed":65536}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	passFile := filepath.Join(base, "repo.pass")
	require.NoError(t, os.WriteFile(passFile, []byte("hunter2\n"), 0o600))

	cfg := &config.Config{
		BaseDir:    base,
		MetricsDir: filepath.Join(base, "metrics"),
		Datasets: []registry.Declaration{
			{Path: "pool/services/sonarr", Mountpoint: "/srv/sonarr"},
		},
		Repos: []config.Repository{
			{Name: "offsite", URL: "s3:s3.example.com/backups", PasswordFile: passFile},
		},
		Backups: []config.BackupJob{
			{Name: "sonarr", Repository: "offsite", Dataset: "pool/services/sonarr",
				UseSnapshots: true, Schedule: "*-*-* 02:00:00",
				Tags: []string{"sonarr"}},
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func testDeps(zfsFake *fakeZFS, resticFake *fakeRestic) Deps {
	return Deps{
		ZFS: zfs.NewManagerWithRunner(zfsFake),
		NewClient: func(repositoryURL, password string) *restic.Client {
			return restic.NewClientWithRunner(repositoryURL, password, resticFake)
		},
	}
}

func TestRunSnapshotBackupSucceeds(t *testing.T) {
	cfg := testConfig(t)
	zfsFake := newFakeZFS()
	resticFake := &fakeRestic{stdout: []byte(summaryLine)}

	err := Run(context.Background(), cfg, testDeps(zfsFake, resticFake), "sonarr")
	require.NoError(t, err)

	// Everything acquired was torn down, clone before its origin snapshot.
	assert.Empty(t, zfsFake.live, "no snapshot or clone may outlive the run")
	require.Len(t, zfsFake.destroyOrder, 2)
	assert.NotContains(t, zfsFake.destroyOrder[0], "@", "clone is destroyed first")
	assert.Contains(t, zfsFake.destroyOrder[1], "@")

	// The backup read the frozen clone view, not the live mountpoint.
	args := resticFake.backupArgs(t)
	frozen := args[len(args)-1]
	assert.True(t, strings.HasPrefix(frozen, cfg.CloneBaseDir()),
		"backup path %q must live under the clone base", frozen)
	assert.NotContains(t, args, "/srv/sonarr")

	// Success leaves a report, a last-run ref, and a green metrics file.
	_, err = os.Stat(filepath.Join(cfg.RunDir("sonarr"), "last_run.yaml"))
	assert.NoError(t, err)
	metricsData, err := os.ReadFile(filepath.Join(cfg.MetricsDir, "zbo-backup-sonarr.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metricsData), `zbo_backup_status{job="sonarr"} 1`)
	assert.Contains(t, string(metricsData), `zbo_backup_bytes_processed{job="sonarr"} 65536`)
}

func TestRunPartialSuccessCountsAsSuccess(t *testing.T) {
	cfg := testConfig(t)
	zfsFake := newFakeZFS()
	resticFake := &fakeRestic{stdout: []byte(summaryLine), exitCode: restic.PartialSuccessExitCode}

	err := Run(context.Background(), cfg, testDeps(zfsFake, resticFake), "sonarr")
	require.NoError(t, err, "exit code 3 is a flagged success, not a failure")

	metricsData, err := os.ReadFile(filepath.Join(cfg.MetricsDir, "zbo-backup-sonarr.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metricsData), `zbo_backup_status{job="sonarr"} 1`)
	assert.Contains(t, string(metricsData), `zbo_backup_partial{job="sonarr"} 1`)
}

func TestRunResticFailureStillTearsDownClone(t *testing.T) {
	cfg := testConfig(t)
	zfsFake := newFakeZFS()
	resticFake := &fakeRestic{exitCode: 1}

	err := Run(context.Background(), cfg, testDeps(zfsFake, resticFake), "sonarr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 1")

	assert.Empty(t, zfsFake.live, "failure must not leak the snapshot or clone")

	// A red metrics file is still emitted, without a last-run ref.
	metricsData, err := os.ReadFile(filepath.Join(cfg.MetricsDir, "zbo-backup-sonarr.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metricsData), `zbo_backup_status{job="sonarr"} 0`)
	_, err = os.Stat(filepath.Join(cfg.RunDir("sonarr"), "last_run.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunSnapshotFailureAbortsBeforeBackup(t *testing.T) {
	cfg := testConfig(t)
	zfsFake := newFakeZFS()
	zfsFake.failVerb = "snapshot"
	resticFake := &fakeRestic{stdout: []byte(summaryLine)}

	err := Run(context.Background(), cfg, testDeps(zfsFake, resticFake), "sonarr")
	require.Error(t, err)
	assert.Empty(t, resticFake.calls, "no repository work may run without the snapshot")
}

func TestRunCloneFailureDestroysSnapshot(t *testing.T) {
	cfg := testConfig(t)
	zfsFake := newFakeZFS()
	zfsFake.failVerb = "clone"
	resticFake := &fakeRestic{stdout: []byte(summaryLine)}

	err := Run(context.Background(), cfg, testDeps(zfsFake, resticFake), "sonarr")
	require.Error(t, err)
	assert.Empty(t, zfsFake.live, "the orphan snapshot must be destroyed")
	assert.Empty(t, resticFake.calls)
}

func TestRunPlainPathJobSkipsZFS(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backups = append(cfg.Backups, config.BackupJob{
		Name: "etc", Repository: "offsite", Paths: []string{"/etc"},
		Schedule: "*-*-* 04:00:00",
	})
	require.NoError(t, cfg.Validate())

	zfsFake := newFakeZFS()
	resticFake := &fakeRestic{stdout: []byte(summaryLine)}

	err := Run(context.Background(), cfg, testDeps(zfsFake, resticFake), "etc")
	require.NoError(t, err)
	assert.Empty(t, zfsFake.calls)
	assert.Contains(t, resticFake.backupArgs(t), "/etc")
}

func TestRunAppliesRetentionAfterBackup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backups[0].Retention = restic.RetentionPolicy{KeepDaily: 7}

	zfsFake := newFakeZFS()
	resticFake := &fakeRestic{stdout: []byte(summaryLine)}

	err := Run(context.Background(), cfg, testDeps(zfsFake, resticFake), "sonarr")
	require.NoError(t, err)

	require.Len(t, resticFake.calls, 2)
	assert.Equal(t, "backup", resticFake.calls[0][0])
	assert.Equal(t, "forget", resticFake.calls[1][0])
	assert.Contains(t, resticFake.calls[1], "--keep-daily")
}

func TestRunCancelledContextSkipsRepository(t *testing.T) {
	cfg := testConfig(t)
	zfsFake := newFakeZFS()
	resticFake := &fakeRestic{stdout: []byte(summaryLine)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, cfg, testDeps(zfsFake, resticFake), "sonarr")
	require.Error(t, err)
	assert.Empty(t, resticFake.calls)
	assert.Empty(t, zfsFake.live, "cancellation still tears the clone down")
}

func TestRunRefusesDatasetLockedByAnotherJobKind(t *testing.T) {
	cfg := testConfig(t)

	// A preseed pull against the same dataset holds the shared lock.
	lockPath := cfg.LockPath("pool/services/sonarr")
	require.NoError(t, os.MkdirAll(filepath.Dir(lockPath), 0o755))
	release, err := lock.Acquire(lockPath, "pool/services/sonarr", "preseed-sonarr")
	require.NoError(t, err)
	defer release()

	zfsFake := newFakeZFS()
	resticFake := &fakeRestic{stdout: []byte(summaryLine)}

	err = Run(context.Background(), cfg, testDeps(zfsFake, resticFake), "sonarr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already locked by job preseed-sonarr")
	assert.Empty(t, zfsFake.calls, "no snapshot work while the dataset is locked")
	assert.Empty(t, resticFake.calls)
}

func TestRunUnknownJob(t *testing.T) {
	cfg := testConfig(t)
	err := Run(context.Background(), cfg, testDeps(newFakeZFS(), &fakeRestic{}), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup job not found")
}
