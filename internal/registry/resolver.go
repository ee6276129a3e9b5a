package registry

import "strings"

// Binding is the resolved replication target for one dataset. Computed on
// demand, never persisted.
type Binding struct {
	SourcePath    string
	TargetHost    string
	TargetDataset string
	SSHUser       string
	SSHKeyPath    string
	SendOptions   []string
	RecvOptions   []string
}

// Resolve walks from path up the ancestor chain and returns the binding
// declared by the nearest ancestor (or the path itself) with a replication
// block. The concrete target is the ancestor's target dataset plus the
// suffix of path below that ancestor, so a dataset two levels under a
// pool-level declaration lands on the matching nested path on the target
// host with no per-service configuration.
//
// Absence of replication anywhere in the chain is a normal terminal state,
// reported as ok=false.
func (r *Registry) Resolve(path string) (*Binding, bool) {
	for _, p := range append([]string{path}, AncestorsOf(path)...) {
		decl, ok := r.decls[p]
		if !ok || decl.Replication == nil {
			continue
		}
		rep := decl.Replication
		target := rep.TargetDataset
		if suffix := strings.TrimPrefix(path, p); suffix != "" {
			target += suffix // suffix keeps its leading "/"
		}
		return &Binding{
			SourcePath:    path,
			TargetHost:    rep.TargetHost,
			TargetDataset: target,
			SSHUser:       rep.SSHUser,
			SSHKeyPath:    rep.SSHKeyPath,
			SendOptions:   rep.SendOptions,
			RecvOptions:   rep.RecvOptions,
		}, true
	}
	return nil, false
}
