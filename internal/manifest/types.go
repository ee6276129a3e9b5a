package manifest

// BackupRun records one snapshot-consistent backup run. Each run is a
// fresh, independent execution; the report is the only artifact besides
// the repository snapshot itself.
type BackupRun struct {
	RunID        string `yaml:"run_id"`
	Job          string `yaml:"job"`
	Hostname     string `yaml:"hostname"`
	Dataset      string `yaml:"dataset,omitempty"`
	Repository   string `yaml:"repository"`
	StartedAt    int64  `yaml:"started_at"`
	FinishedAt   int64  `yaml:"finished_at"`
	State        string `yaml:"state"`
	Partial      bool   `yaml:"partial"`
	Snapshot     string `yaml:"snapshot,omitempty"`
	CloneDataset string `yaml:"clone_dataset,omitempty"`
	SnapshotID   string `yaml:"repository_snapshot_id,omitempty"`
	Bytes        int64  `yaml:"bytes_processed"`
	Files        int64  `yaml:"files_processed"`
	Error        string `yaml:"error,omitempty"`
}

// Attempt is one restore method tried during a preseed gate.
type Attempt struct {
	Method   string `yaml:"method"`
	Outcome  string `yaml:"outcome"`
	Reason   string `yaml:"reason,omitempty"`
	Duration int64  `yaml:"duration_seconds"`
}

// PreseedRun records one preseed gate evaluation with the ordered
// sequence of attempts.
type PreseedRun struct {
	RunID      string    `yaml:"run_id"`
	Service    string    `yaml:"service"`
	Hostname   string    `yaml:"hostname"`
	Dataset    string    `yaml:"dataset"`
	StartedAt  int64     `yaml:"started_at"`
	FinishedAt int64     `yaml:"finished_at"`
	Outcome    string    `yaml:"outcome"`
	Attempts   []Attempt `yaml:"attempts,omitempty"`
	Error      string    `yaml:"error,omitempty"`
}

// LastRun points at the most recent successful run of a job.
type LastRun struct {
	RunID      string `yaml:"run_id"`
	FinishedAt int64  `yaml:"finished_at"`
	Snapshot   string `yaml:"snapshot,omitempty"`
	SnapshotID string `yaml:"repository_snapshot_id,omitempty"`
	Report     string `yaml:"report"`
	Blake3Hash string `yaml:"blake3_hash"`
}
