package units

import (
	"fmt"
	"sort"

	"zbo/internal/config"
	"zbo/internal/registry"
)

// Unit is one declarative supervisor unit. The orchestrator never manages
// processes itself; it emits these descriptions and the host's service
// manager enforces the ordering, exclusion, and lifecycle edges.
type Unit struct {
	Name        string
	Description string
	ExecStart   string
	// ExecStopPost is the declarative backstop for clone teardown: it
	// runs even when the main process was killed, so a clone can never
	// outlive its job.
	ExecStopPost []string
	After        []string
	Before       []string
	Requires     []string
	Conflicts    []string
	RequiredBy   []string
	WantedBy     []string
	OnCalendar   string
	TimeoutSec   int
}

func (u *Unit) IsTimer() bool { return u.OnCalendar != "" }

// Graph is the full unit set for one host plus the dataset and repository
// usage indexes the exclusion edges are derived from.
type Graph struct {
	units map[string]*Unit

	// dataset path -> unit names of backup jobs / replication pulls
	backupUsers      map[string][]string
	replicationUsers map[string][]string
	// repository name -> backup unit names
	repoUsers map[string][]string
}

func backupUnitName(job string) string      { return fmt.Sprintf("zbo-backup-%s.service", job) }
func backupTimerName(job string) string     { return fmt.Sprintf("zbo-backup-%s.timer", job) }
func preseedUnitName(service string) string { return fmt.Sprintf("zbo-preseed-%s.service", service) }
func pruneUnitName(repo string) string      { return fmt.Sprintf("zbo-prune-%s.service", repo) }
func pruneTimerName(repo string) string     { return fmt.Sprintf("zbo-prune-%s.timer", repo) }

// BuildGraph derives the complete unit graph from the configuration:
// a service+timer pair per backup job, a gate unit per enabled preseed
// ordered before its service, a prune pair per repository with a prune
// schedule, and mutual-exclusion edges wherever a backup job and a
// replication pull touch the same dataset or a prune shares a repository
// with a backup.
func BuildGraph(cfg *config.Config, reg *registry.Registry, executable, configPath string) (*Graph, error) {
	g := &Graph{
		units:            make(map[string]*Unit),
		backupUsers:      make(map[string][]string),
		replicationUsers: make(map[string][]string),
		repoUsers:        make(map[string][]string),
	}

	for _, b := range cfg.Backups {
		name := backupUnitName(b.Name)
		unit := &Unit{
			Name:        name,
			Description: fmt.Sprintf("Snapshot-consistent backup of %s", b.Name),
			ExecStart:   fmt.Sprintf("%s backup --config %s --job %s", executable, configPath, b.Name),
		}
		if b.UseSnapshots {
			unit.ExecStopPost = []string{
				fmt.Sprintf("%s cleanup --config %s --job %s", executable, configPath, b.Name),
			}
		}
		g.units[name] = unit
		g.units[backupTimerName(b.Name)] = &Unit{
			Name:        backupTimerName(b.Name),
			Description: fmt.Sprintf("Schedule for backup of %s", b.Name),
			OnCalendar:  b.Schedule,
			WantedBy:    []string{"timers.target"},
		}
		if b.Dataset != "" {
			g.backupUsers[b.Dataset] = append(g.backupUsers[b.Dataset], name)
		}
		g.repoUsers[b.Repository] = append(g.repoUsers[b.Repository], name)
	}

	for _, p := range cfg.Preseeds {
		if !p.Enable {
			continue
		}
		serviceUnit := p.Service + ".service"
		name := preseedUnitName(p.Service)
		g.units[name] = &Unit{
			Name:        name,
			Description: fmt.Sprintf("Preseed gate for %s", p.Service),
			ExecStart:   fmt.Sprintf("%s preseed --config %s --service %s", executable, configPath, p.Service),
			Before:      []string{serviceUnit},
			RequiredBy:  []string{serviceUnit},
			TimeoutSec:  p.Timeout() * 60,
		}
		for _, m := range p.MethodOrder() {
			if m == "replication" {
				if _, ok := reg.Resolve(p.Dataset); ok {
					g.replicationUsers[p.Dataset] = append(g.replicationUsers[p.Dataset], name)
				}
			}
		}
	}

	for _, r := range cfg.Repos {
		if r.PruneSchedule == "" {
			continue
		}
		name := pruneUnitName(r.Name)
		g.units[name] = &Unit{
			Name:        name,
			Description: fmt.Sprintf("Maintenance prune of repository %s", r.Name),
			ExecStart:   fmt.Sprintf("%s prune --config %s --repository %s", executable, configPath, r.Name),
		}
		g.units[pruneTimerName(r.Name)] = &Unit{
			Name:        pruneTimerName(r.Name),
			Description: fmt.Sprintf("Schedule for prune of repository %s", r.Name),
			OnCalendar:  r.PruneSchedule,
			WantedBy:    []string{"timers.target"},
		}
	}

	g.addExclusionEdges()
	return g, nil
}

// addExclusionEdges makes conflicting jobs impossible to schedule
// together: symmetric Conflicts plus After so whichever starts second
// waits instead of killing the first.
func (g *Graph) addExclusionEdges() {
	for dataset, backups := range g.backupUsers {
		for _, pull := range g.replicationUsers[dataset] {
			for _, backup := range backups {
				g.conflict(backup, pull)
			}
		}
	}
	for repo, backups := range g.repoUsers {
		prune, ok := g.units[pruneUnitName(repo)]
		if !ok {
			continue
		}
		for _, backup := range backups {
			g.conflict(backup, prune.Name)
		}
	}
}

func (g *Graph) conflict(a, b string) {
	g.units[a].Conflicts = appendUnique(g.units[a].Conflicts, b)
	g.units[a].After = appendUnique(g.units[a].After, b)
	g.units[b].Conflicts = appendUnique(g.units[b].Conflicts, a)
	g.units[b].After = appendUnique(g.units[b].After, a)
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// Unit looks up one unit by name.
func (g *Graph) Unit(name string) (*Unit, bool) {
	u, ok := g.units[name]
	return u, ok
}

// Names returns every unit name, sorted.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.units))
	for n := range g.units {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MutuallyExclusive reports whether both units carry the symmetric
// Conflicts edge.
func (g *Graph) MutuallyExclusive(a, b string) bool {
	ua, ok := g.units[a]
	if !ok {
		return false
	}
	ub, ok := g.units[b]
	if !ok {
		return false
	}
	return contains(ua.Conflicts, b) && contains(ub.Conflicts, a)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Validate asserts the invariants the scheduler depends on: every dataset
// with both a backup job and a replication pull has the exclusion edge,
// and so does every backup sharing a repository with a scheduled prune.
func (g *Graph) Validate() error {
	for dataset, backups := range g.backupUsers {
		for _, pull := range g.replicationUsers[dataset] {
			for _, backup := range backups {
				if !g.MutuallyExclusive(backup, pull) {
					return fmt.Errorf("dataset %s: missing exclusion edge between %s and %s", dataset, backup, pull)
				}
			}
		}
	}
	for repo, backups := range g.repoUsers {
		if _, ok := g.units[pruneUnitName(repo)]; !ok {
			continue
		}
		for _, backup := range backups {
			if !g.MutuallyExclusive(backup, pruneUnitName(repo)) {
				return fmt.Errorf("repository %s: missing exclusion edge between %s and prune", repo, backup)
			}
		}
	}
	return nil
}
