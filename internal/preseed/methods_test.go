package preseed

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zbo/internal/restic"
	"zbo/internal/zfs"
)

type fakeZFSRunner struct {
	calls   []string
	outputs map[string]string
	fail    map[string]bool
}

func (f *fakeZFSRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	verb := args[0]
	if f.fail[verb] {
		return nil, assert.AnError
	}
	return []byte(f.outputs[verb]), nil
}

func (f *fakeZFSRunner) called(verb string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, "zfs "+verb) {
			return true
		}
	}
	return false
}

func TestReplicationMethodWithoutBinding(t *testing.T) {
	method := NewReplicationMethod(zfs.NewManagerWithRunner(&fakeZFSRunner{}), nil, "pool/services/sonarr")

	outcome, reason := method.Restore(context.Background())
	assert.Equal(t, OutcomeNotApplicable, outcome)
	assert.Contains(t, reason, "no replication target")
}

func TestLocalSnapshotMethodNoSnapshots(t *testing.T) {
	runner := &fakeZFSRunner{outputs: map[string]string{"list": ""}}
	method := NewLocalSnapshotMethod(zfs.NewManagerWithRunner(runner), "pool/services/sonarr")

	outcome, reason := method.Restore(context.Background())
	assert.Equal(t, OutcomeNotApplicable, outcome)
	assert.Contains(t, reason, "no local snapshots")
	assert.False(t, runner.called("rollback"))
}

func TestLocalSnapshotMethodRollsBackToNewest(t *testing.T) {
	// Mixed naming schemes: the sanoid autosnap is chronologically newer
	// even though the zbo name sorts after it lexically. The listing is
	// creation-ordered (newest first) and rollback must target its head,
	// since rolling back to the older snapshot would destroy the newer one.
	runner := &fakeZFSRunner{outputs: map[string]string{
		"list": "pool/services/sonarr@autosnap_2026-08-30_00:00\n" +
			"pool/services/sonarr@zbo-sonarr-20260820-020000\n",
	}}
	method := NewLocalSnapshotMethod(zfs.NewManagerWithRunner(runner), "pool/services/sonarr")

	outcome, reason := method.Restore(context.Background())
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Contains(t, reason, "autosnap_2026-08-30_00:00")
	assert.Contains(t, runner.calls,
		"zfs rollback -r pool/services/sonarr@autosnap_2026-08-30_00:00")
	for _, call := range runner.calls {
		if strings.HasPrefix(call, "zfs list") {
			assert.Contains(t, call, "-S creation")
		}
	}
}

func TestLocalSnapshotMethodRollbackFailure(t *testing.T) {
	runner := &fakeZFSRunner{
		outputs: map[string]string{"list": "pool/services/sonarr@zbo-sonarr-20260830-020000\n"},
		fail:    map[string]bool{"rollback": true},
	}
	method := NewLocalSnapshotMethod(zfs.NewManagerWithRunner(runner), "pool/services/sonarr")

	outcome, _ := method.Restore(context.Background())
	assert.Equal(t, OutcomeFailed, outcome)
}

type fakeResticRunner struct {
	calls  [][]string
	stdout map[string][]byte
	code   map[string]int
}

func (f *fakeResticRunner) Run(_ context.Context, _ []string, args ...string) ([]byte, int, error) {
	f.calls = append(f.calls, args)
	return f.stdout[args[0]], f.code[args[0]], nil
}

func repositoryClient(runner *fakeResticRunner) *restic.Client {
	return restic.NewClientWithRunner("s3:s3.example.com/backups", "hunter2", runner)
}

func TestRepositoryMethodEmptyRepository(t *testing.T) {
	runner := &fakeResticRunner{stdout: map[string][]byte{"snapshots": []byte("[]")}}
	method := NewRepositoryMethod(repositoryClient(runner), []string{"sonarr"}, "/srv/sonarr", "forge")

	outcome, reason := method.Restore(context.Background())
	assert.Equal(t, OutcomeNotApplicable, outcome)
	assert.Contains(t, reason, "no matching snapshot")
	require.Len(t, runner.calls, 1, "an empty repository must not trigger a restore")
}

func TestRepositoryMethodRestoresArchivedSubtree(t *testing.T) {
	runner := &fakeResticRunner{stdout: map[string][]byte{
		"snapshots": []byte(`[{"id":"abc123","paths":["/var/lib/zbo/clones/sonarr"],"tags":["sonarr"]}]`),
	}}
	method := NewRepositoryMethod(repositoryClient(runner), []string{"sonarr"}, "/srv/sonarr", "forge")

	outcome, _ := method.Restore(context.Background())
	assert.Equal(t, OutcomeSuccess, outcome)

	require.Len(t, runner.calls, 2)
	restore := runner.calls[1]
	assert.Equal(t, "restore", restore[0])
	assert.Equal(t, "latest:/var/lib/zbo/clones/sonarr", restore[1],
		"the archived clone prefix must be stripped on restore")
	assert.Contains(t, restore, "/srv/sonarr")
}

func TestRepositoryMethodRestoreFailure(t *testing.T) {
	runner := &fakeResticRunner{
		stdout: map[string][]byte{
			"snapshots": []byte(`[{"id":"abc123","paths":["/var/lib/zbo/clones/sonarr"]}]`),
		},
		code: map[string]int{"restore": 1},
	}
	method := NewRepositoryMethod(repositoryClient(runner), []string{"sonarr"}, "/srv/sonarr", "forge")

	outcome, reason := method.Restore(context.Background())
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Contains(t, reason, "exit code 1")
}
