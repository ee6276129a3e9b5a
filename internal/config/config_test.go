package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zbo/internal/registry"
)

func validConfig() *Config {
	return &Config{
		BaseDir: "/var/lib/zbo",
		Datasets: []registry.Declaration{
			{Path: "pool/services", Replication: &registry.Replication{
				TargetHost:    "nas-1",
				TargetDataset: "backup/forge/services",
				SSHUser:       "zfs-recv",
				SSHKeyPath:    "/etc/zbo/replication.key",
			}},
			{Path: "pool/services/sonarr", Mountpoint: "/srv/sonarr", Owner: "sonarr", Group: "media"},
		},
		Repos: []Repository{
			{Name: "offsite", URL: "s3:s3.example.com/backups", PasswordFile: "/etc/zbo/repo.pass.age"},
		},
		Backups: []BackupJob{
			{Name: "sonarr", Repository: "offsite", Dataset: "pool/services/sonarr",
				UseSnapshots: true, Schedule: "*-*-* 02:00:00"},
		},
		Preseeds: []Preseed{
			{Service: "sonarr", Dataset: "pool/services/sonarr", Enable: true, Repository: "offsite"},
		},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing base dir",
			mutate:  func(c *Config) { c.BaseDir = "" },
			wantErr: "base_dir is required",
		},
		{
			name: "conflicting dataset mountpoints",
			mutate: func(c *Config) {
				c.Datasets = append(c.Datasets, registry.Declaration{
					Path: "pool/services/sonarr", Mountpoint: "/mnt/other",
				})
			},
			wantErr: "conflicting",
		},
		{
			name:    "repository without password file",
			mutate:  func(c *Config) { c.Repos[0].PasswordFile = "" },
			wantErr: "password_file is required",
		},
		{
			name: "duplicate repository",
			mutate: func(c *Config) {
				c.Repos = append(c.Repos, c.Repos[0])
			},
			wantErr: "duplicate repository name",
		},
		{
			name:    "backup referencing unknown repository",
			mutate:  func(c *Config) { c.Backups[0].Repository = "nope" },
			wantErr: `unknown repository "nope"`,
		},
		{
			name:    "backup without schedule",
			mutate:  func(c *Config) { c.Backups[0].Schedule = "" },
			wantErr: "schedule is required",
		},
		{
			name: "snapshot backup without dataset",
			mutate: func(c *Config) {
				c.Backups[0].Dataset = ""
				c.Backups[0].Paths = []string{"/srv/sonarr"}
			},
			wantErr: "use_snapshots requires a dataset",
		},
		{
			name:    "snapshot backup on undeclared dataset",
			mutate:  func(c *Config) { c.Backups[0].Dataset = "pool/services/radarr" },
			wantErr: "is not declared",
		},
		{
			name: "snapshot backup on dataset without mountpoint",
			mutate: func(c *Config) {
				c.Backups[0].Dataset = "pool/services"
			},
			wantErr: "has no mountpoint",
		},
		{
			name:    "preseed on undeclared dataset",
			mutate:  func(c *Config) { c.Preseeds[0].Dataset = "pool/services/radarr" },
			wantErr: "is not declared",
		},
		{
			name: "preseed with unknown method",
			mutate: func(c *Config) {
				c.Preseeds[0].Methods = []string{"replication", "carrier-pigeon"}
			},
			wantErr: `unknown restore method "carrier-pigeon"`,
		},
		{
			name: "preseed using repository method without repository",
			mutate: func(c *Config) {
				c.Preseeds[0].Repository = ""
			},
			wantErr: "unknown repository",
		},
		{
			name: "s3 reports without bucket",
			mutate: func(c *Config) {
				c.ReportsS3.Enabled = true
				c.ReportsS3.Region = "us-east-1"
			},
			wantErr: "s3_reports.bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPreseedWithoutRepositoryMethodSkipsRepoCheck(t *testing.T) {
	cfg := validConfig()
	cfg.Preseeds[0].Repository = ""
	cfg.Preseeds[0].Methods = []string{"replication", "local-snapshot"}
	require.NoError(t, cfg.Validate())
}

func TestLoadParsesYAML(t *testing.T) {
	raw := `
base_dir: /var/lib/zbo
datasets:
  - path: pool/services
    replication:
      target_host: nas-1
      target_dataset: backup/forge/services
      ssh_user: zfs-recv
      ssh_key: /etc/zbo/replication.key
  - path: pool/services/sonarr
    mountpoint: /srv/sonarr
    owner: sonarr
    group: media
repositories:
  - name: offsite
    url: s3:s3.example.com/backups
    password_file: /etc/zbo/repo.pass.age
    prune_schedule: "Sun *-*-* 04:00:00"
backups:
  - name: sonarr
    repository: offsite
    dataset: pool/services/sonarr
    use_snapshots: true
    schedule: "*-*-* 02:00:00"
    retention:
      keep_daily: 7
      keep_weekly: 4
preseeds:
  - service: sonarr
    dataset: pool/services/sonarr
    enable: true
    repository: offsite
    timeout_minutes: 30
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	job, err := cfg.FindBackup("sonarr")
	require.NoError(t, err)
	assert.True(t, job.UseSnapshots)
	assert.Equal(t, 7, job.Retention.KeepDaily)

	repo, err := cfg.FindRepository("offsite")
	require.NoError(t, err)
	assert.Equal(t, "Sun *-*-* 04:00:00", repo.PruneSchedule)

	ps, err := cfg.FindPreseed("sonarr")
	require.NoError(t, err)
	assert.Equal(t, 30, ps.Timeout())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("datasets: []\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestPreseedDefaults(t *testing.T) {
	p := Preseed{Service: "sonarr", Dataset: "pool/services/sonarr"}
	assert.Equal(t, []string{"replication", "local-snapshot", "repository"}, p.MethodOrder())
	assert.Equal(t, 45, p.Timeout())

	p.Methods = []string{"repository"}
	p.TimeoutMinutes = 10
	assert.Equal(t, []string{"repository"}, p.MethodOrder())
	assert.Equal(t, 10, p.Timeout())
}

func TestLockPathKeyedByDataset(t *testing.T) {
	cfg := validConfig()

	// One file per dataset, whatever job takes it.
	assert.Equal(t, "/var/lib/zbo/run/locks/pool-services-sonarr.lock",
		cfg.LockPath("pool/services/sonarr"))

	// Escaping keeps distinct datasets on distinct files.
	assert.NotEqual(t, cfg.LockPath("pool/my-data"), cfg.LockPath("pool/my/data"))
}

func TestDerivedDirectories(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "/var/lib/zbo/clones", cfg.CloneBaseDir())
	assert.Equal(t, "/var/lib/zbo/logs/sonarr", cfg.LogDir("sonarr"))
	assert.Equal(t, "/var/lib/zbo/run/sonarr", cfg.RunDir("sonarr"))

	cfg.CloneBase = "/clones"
	assert.Equal(t, "/clones", cfg.CloneBaseDir())
}
