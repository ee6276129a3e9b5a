package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupRunReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "run-abc.yaml")
	run := &BackupRun{
		RunID:      "abc",
		Job:        "sonarr",
		State:      "partial-success",
		Partial:    true,
		SnapshotID: "deadbeef",
		Bytes:      65536,
	}
	require.NoError(t, WriteBackupRun(path, run))

	got, err := ReadBackupRun(path)
	require.NoError(t, err)
	assert.Equal(t, run, got)
}

func TestPreseedRunReportKeepsAttemptOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run-def.yaml")
	run := &PreseedRun{
		RunID:   "def",
		Service: "sonarr",
		Outcome: "success",
		Attempts: []Attempt{
			{Method: "replication", Outcome: "not-applicable"},
			{Method: "repository", Outcome: "success"},
		},
	}
	require.NoError(t, WritePreseedRun(path, run))

	got, err := ReadPreseedRun(path)
	require.NoError(t, err)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, "replication", got.Attempts[0].Method)
	assert.Equal(t, "repository", got.Attempts[1].Method)
}

func TestReadLastRunMissingIsNotAnError(t *testing.T) {
	got, err := ReadLastRun(filepath.Join(t.TempDir(), "last_run.yaml"))
	require.NoError(t, err)
	assert.Nil(t, got, "a job that never succeeded has no last run")
}

func TestLastRunRef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_run.yaml")
	ref := &LastRun{RunID: "abc", Report: "/var/lib/zbo/run/sonarr/run-abc.yaml", Blake3Hash: "00ff"}
	require.NoError(t, WriteLastRun(path, ref))

	got, err := ReadLastRun(path)
	require.NoError(t, err)
	assert.Equal(t, ref, got)
}
