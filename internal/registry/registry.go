package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Replication declares where a dataset (and its descendants) should be
// replicated to. It may be declared at any level of the dataset hierarchy.
type Replication struct {
	TargetHost    string   `yaml:"target_host"`
	TargetDataset string   `yaml:"target_dataset"`
	SSHUser       string   `yaml:"ssh_user,omitempty"`
	SSHKeyPath    string   `yaml:"ssh_key,omitempty"`
	SendOptions   []string `yaml:"send_options,omitempty"`
	RecvOptions   []string `yaml:"recv_options,omitempty"`
}

// Hints carries dataset tuning properties. Opaque to everything here;
// passed through to whatever provisions the dataset.
type Hints struct {
	Recordsize  string `yaml:"recordsize,omitempty"`
	Compression string `yaml:"compression,omitempty"`
}

// Declaration describes one managed data volume.
type Declaration struct {
	Path        string       `yaml:"path"`
	Mountpoint  string       `yaml:"mountpoint,omitempty"`
	Owner       string       `yaml:"owner,omitempty"`
	Group       string       `yaml:"group,omitempty"`
	Mode        string       `yaml:"mode,omitempty"`
	Hints       Hints        `yaml:"hints,omitempty"`
	Replication *Replication `yaml:"replication,omitempty"`
}

// Registry holds every dataset declaration, keyed by path. Built once from
// the full configuration and immutable afterwards.
type Registry struct {
	decls map[string]Declaration
}

// Build merges declarations into a registry. Registering the same path twice
// is allowed only when the declarations agree on the mountpoint; a conflict
// fails the build so it surfaces at validation time, never mid-job.
func Build(decls []Declaration) (*Registry, error) {
	r := &Registry{decls: make(map[string]Declaration, len(decls))}
	for _, d := range decls {
		if d.Path == "" {
			return nil, fmt.Errorf("dataset declaration with empty path")
		}
		if strings.HasPrefix(d.Path, "/") || strings.HasSuffix(d.Path, "/") {
			return nil, fmt.Errorf("dataset path %q must not have leading or trailing '/'", d.Path)
		}
		existing, ok := r.decls[d.Path]
		if !ok {
			r.decls[d.Path] = d
			continue
		}
		if existing.Mountpoint != "" && d.Mountpoint != "" && existing.Mountpoint != d.Mountpoint {
			return nil, fmt.Errorf("conflicting mountpoints for dataset %s: %s vs %s",
				d.Path, existing.Mountpoint, d.Mountpoint)
		}
		r.decls[d.Path] = merge(existing, d)
	}
	return r, nil
}

func merge(a, b Declaration) Declaration {
	if b.Mountpoint == "" {
		b.Mountpoint = a.Mountpoint
	}
	if b.Owner == "" {
		b.Owner = a.Owner
	}
	if b.Group == "" {
		b.Group = a.Group
	}
	if b.Mode == "" {
		b.Mode = a.Mode
	}
	if b.Hints.Recordsize == "" {
		b.Hints.Recordsize = a.Hints.Recordsize
	}
	if b.Hints.Compression == "" {
		b.Hints.Compression = a.Hints.Compression
	}
	if b.Replication == nil {
		b.Replication = a.Replication
	}
	return b
}

// Lookup returns the declaration for an exact path.
func (r *Registry) Lookup(path string) (Declaration, bool) {
	d, ok := r.decls[path]
	return d, ok
}

// AncestorsOf returns the ancestor paths of path, immediate parent first.
// Pure string-segment arithmetic; never touches the filesystem.
func AncestorsOf(path string) []string {
	segments := strings.Split(path, "/")
	if len(segments) < 2 {
		return nil
	}
	ancestors := make([]string, 0, len(segments)-1)
	for i := len(segments) - 1; i > 0; i-- {
		ancestors = append(ancestors, strings.Join(segments[:i], "/"))
	}
	return ancestors
}

// Paths returns every registered dataset path, sorted.
func (r *Registry) Paths() []string {
	paths := make([]string, 0, len(r.decls))
	for p := range r.decls {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
