package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/coreos/go-systemd/v22/unit"
	"gopkg.in/yaml.v3"

	"zbo/internal/registry"
	"zbo/internal/restic"
)

// Repository is one backup repository shared by any number of jobs.
// PruneSchedule, when set, schedules repository maintenance; prune runs
// are mutually exclusive with every backup into the same repository.
type Repository struct {
	Name          string `yaml:"name"`
	URL           string `yaml:"url"`
	PasswordFile  string `yaml:"password_file"`
	PruneSchedule string `yaml:"prune_schedule,omitempty"`
}

// BackupJob declares one scheduled backup run.
type BackupJob struct {
	Name         string                 `yaml:"name"`
	Repository   string                 `yaml:"repository"`
	Dataset      string                 `yaml:"dataset,omitempty"`
	UseSnapshots bool                   `yaml:"use_snapshots"`
	Paths        []string               `yaml:"paths,omitempty"`
	Exclude      []string               `yaml:"exclude,omitempty"`
	Tags         []string               `yaml:"tags,omitempty"`
	Schedule     string                 `yaml:"schedule"`
	Retention    restic.RetentionPolicy `yaml:"retention,omitempty"`
}

// Preseed declares the restore gate guarding one service's first start.
type Preseed struct {
	Service        string   `yaml:"service"`
	Dataset        string   `yaml:"dataset"`
	Enable         bool     `yaml:"enable"`
	Repository     string   `yaml:"repository,omitempty"`
	Tags           []string `yaml:"tags,omitempty"`
	Methods        []string `yaml:"methods,omitempty"`
	TimeoutMinutes int      `yaml:"timeout_minutes,omitempty"`
}

// DefaultMethods is the administrator-overridable restore order: cheapest
// and freshest first, the repository as the last line of defense.
var DefaultMethods = []string{"replication", "local-snapshot", "repository"}

var knownMethods = map[string]bool{
	"replication":    true,
	"local-snapshot": true,
	"repository":     true,
}

// ReportsS3 configures optional shipping of run manifests to S3 so the
// fleet's reports survive loss of the host that produced them.
type ReportsS3 struct {
	Enabled      bool               `yaml:"enabled"`
	Bucket       string             `yaml:"bucket"`
	Region       string             `yaml:"region"`
	Prefix       string             `yaml:"prefix,omitempty"`
	Endpoint     string             `yaml:"endpoint,omitempty"`
	StorageClass types.StorageClass `yaml:"storage_class,omitempty"`
	Retry        struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

type Config struct {
	BaseDir     string                 `yaml:"base_dir"`
	CloneBase   string                 `yaml:"clone_base,omitempty"`
	MetricsDir  string                 `yaml:"metrics_dir,omitempty"`
	AgeIdentity string                 `yaml:"age_identity,omitempty"`
	Datasets    []registry.Declaration `yaml:"datasets"`
	Repos       []Repository           `yaml:"repositories"`
	Backups     []BackupJob            `yaml:"backups"`
	Preseeds    []Preseed              `yaml:"preseeds"`
	ReportsS3   ReportsS3              `yaml:"s3_reports,omitempty"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate surfaces configuration errors before any job runs. A dataset
// conflict, a dangling repository reference, or an unknown restore method
// must never be discovered mid-backup.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}

	reg, err := registry.Build(c.Datasets)
	if err != nil {
		return err
	}

	repos := make(map[string]bool, len(c.Repos))
	for i, r := range c.Repos {
		if r.Name == "" {
			return fmt.Errorf("repositories[%d].name is required", i)
		}
		if r.URL == "" {
			return fmt.Errorf("repository %s: url is required", r.Name)
		}
		if r.PasswordFile == "" {
			return fmt.Errorf("repository %s: password_file is required", r.Name)
		}
		if repos[r.Name] {
			return fmt.Errorf("duplicate repository name: %s", r.Name)
		}
		repos[r.Name] = true
	}

	jobNames := make(map[string]bool, len(c.Backups))
	for i, b := range c.Backups {
		if b.Name == "" {
			return fmt.Errorf("backups[%d].name is required", i)
		}
		if jobNames[b.Name] {
			return fmt.Errorf("duplicate backup job name: %s", b.Name)
		}
		jobNames[b.Name] = true
		if !repos[b.Repository] {
			return fmt.Errorf("backup %s: unknown repository %q", b.Name, b.Repository)
		}
		if b.Schedule == "" {
			return fmt.Errorf("backup %s: schedule is required", b.Name)
		}
		if b.UseSnapshots {
			if b.Dataset == "" {
				return fmt.Errorf("backup %s: use_snapshots requires a dataset", b.Name)
			}
			decl, ok := reg.Lookup(b.Dataset)
			if !ok {
				return fmt.Errorf("backup %s: dataset %s is not declared", b.Name, b.Dataset)
			}
			if decl.Mountpoint == "" {
				return fmt.Errorf("backup %s: dataset %s has no mountpoint", b.Name, b.Dataset)
			}
		}
		if len(b.Paths) == 0 && b.Dataset == "" {
			return fmt.Errorf("backup %s: needs paths or a dataset", b.Name)
		}
	}

	for i, p := range c.Preseeds {
		if p.Service == "" {
			return fmt.Errorf("preseeds[%d].service is required", i)
		}
		if p.Dataset == "" {
			return fmt.Errorf("preseed %s: dataset is required", p.Service)
		}
		decl, ok := reg.Lookup(p.Dataset)
		if !ok {
			return fmt.Errorf("preseed %s: dataset %s is not declared", p.Service, p.Dataset)
		}
		if decl.Mountpoint == "" {
			return fmt.Errorf("preseed %s: dataset %s has no mountpoint", p.Service, p.Dataset)
		}
		for _, m := range p.Methods {
			if !knownMethods[m] {
				return fmt.Errorf("preseed %s: unknown restore method %q (known: %s)",
					p.Service, m, strings.Join(DefaultMethods, ", "))
			}
		}
		usesRepo := len(p.Methods) == 0
		for _, m := range p.Methods {
			if m == "repository" {
				usesRepo = true
			}
		}
		if usesRepo && !repos[p.Repository] {
			return fmt.Errorf("preseed %s: unknown repository %q", p.Service, p.Repository)
		}
	}

	if c.ReportsS3.Enabled {
		if c.ReportsS3.Bucket == "" {
			return fmt.Errorf("s3_reports.bucket is required when s3_reports is enabled")
		}
		if c.ReportsS3.Region == "" {
			return fmt.Errorf("s3_reports.region is required when s3_reports is enabled")
		}
	}

	return nil
}

// BuildRegistry constructs the dataset registry. Only call after Validate.
func (c *Config) BuildRegistry() (*registry.Registry, error) {
	return registry.Build(c.Datasets)
}

func (c *Config) FindRepository(name string) (*Repository, error) {
	for i := range c.Repos {
		if c.Repos[i].Name == name {
			return &c.Repos[i], nil
		}
	}
	return nil, fmt.Errorf("repository not found: %s", name)
}

func (c *Config) FindBackup(name string) (*BackupJob, error) {
	for i := range c.Backups {
		if c.Backups[i].Name == name {
			return &c.Backups[i], nil
		}
	}
	return nil, fmt.Errorf("backup job not found: %s", name)
}

func (c *Config) FindPreseed(service string) (*Preseed, error) {
	for i := range c.Preseeds {
		if c.Preseeds[i].Service == service {
			return &c.Preseeds[i], nil
		}
	}
	return nil, fmt.Errorf("preseed not found for service: %s", service)
}

func (c *Config) CloneBaseDir() string {
	if c.CloneBase != "" {
		return c.CloneBase
	}
	return filepath.Join(c.BaseDir, "clones")
}

func (c *Config) LogDir(job string) string {
	return filepath.Join(c.BaseDir, "logs", job)
}

func (c *Config) RunDir(job string) string {
	return filepath.Join(c.BaseDir, "run", job)
}

// LockPath is the lock file for one dataset, shared by every kind of job
// that touches it. Backup runs and preseed pulls against the same dataset
// contend on the same file no matter which job directory they report
// into.
func (c *Config) LockPath(dataset string) string {
	return filepath.Join(c.BaseDir, "run", "locks", unit.UnitNamePathEscape(dataset)+".lock")
}

func (p *Preseed) MethodOrder() []string {
	if len(p.Methods) == 0 {
		return DefaultMethods
	}
	return p.Methods
}

func (p *Preseed) Timeout() int {
	if p.TimeoutMinutes > 0 {
		return p.TimeoutMinutes
	}
	return 45
}

func (c *Config) S3RetryAttempts() int {
	if c.ReportsS3.Retry.MaxAttempts > 0 {
		return c.ReportsS3.Retry.MaxAttempts
	}
	return 3
}
