package units

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
)

// Render serializes one unit into systemd unit-file syntax.
func (u *Unit) Render() ([]byte, error) {
	var opts []*unit.UnitOption

	opts = append(opts, unit.NewUnitOption("Unit", "Description", u.Description))
	for _, v := range u.After {
		opts = append(opts, unit.NewUnitOption("Unit", "After", v))
	}
	for _, v := range u.Before {
		opts = append(opts, unit.NewUnitOption("Unit", "Before", v))
	}
	for _, v := range u.Requires {
		opts = append(opts, unit.NewUnitOption("Unit", "Requires", v))
	}
	for _, v := range u.Conflicts {
		opts = append(opts, unit.NewUnitOption("Unit", "Conflicts", v))
	}

	if u.IsTimer() {
		opts = append(opts,
			unit.NewUnitOption("Timer", "OnCalendar", u.OnCalendar),
			unit.NewUnitOption("Timer", "Persistent", "true"),
		)
	} else {
		opts = append(opts,
			unit.NewUnitOption("Service", "Type", "oneshot"),
			unit.NewUnitOption("Service", "ExecStart", u.ExecStart),
		)
		for _, v := range u.ExecStopPost {
			opts = append(opts, unit.NewUnitOption("Service", "ExecStopPost", v))
		}
		if u.TimeoutSec > 0 {
			opts = append(opts, unit.NewUnitOption("Service", "TimeoutStartSec", fmt.Sprint(u.TimeoutSec)))
		}
	}

	for _, v := range u.RequiredBy {
		opts = append(opts, unit.NewUnitOption("Install", "RequiredBy", v))
	}
	for _, v := range u.WantedBy {
		opts = append(opts, unit.NewUnitOption("Install", "WantedBy", v))
	}

	data, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize unit %s: %w", u.Name, err)
	}
	return data, nil
}

// WriteAll renders every unit in the graph into dir, plus a drop-in per
// gated service adding the hard Requires/After edge on its preseed gate.
func (g *Graph) WriteAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	for _, name := range g.Names() {
		u := g.units[name]
		data, err := u.Render()
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write unit %s: %w", name, err)
		}
		slog.Debug("Unit written", "path", path)
	}

	for _, name := range g.Names() {
		u := g.units[name]
		if len(u.Before) == 0 || !strings.HasPrefix(name, "zbo-preseed-") {
			continue
		}
		// The gated service must hard-require its gate: "after" alone
		// would let it start when the gate failed.
		for _, service := range u.Before {
			dropinDir := filepath.Join(dir, service+".d")
			if err := os.MkdirAll(dropinDir, 0o755); err != nil {
				return fmt.Errorf("failed to create drop-in directory: %w", err)
			}
			data, err := io.ReadAll(unit.Serialize([]*unit.UnitOption{
				unit.NewUnitOption("Unit", "Requires", name),
				unit.NewUnitOption("Unit", "After", name),
			}))
			if err != nil {
				return fmt.Errorf("failed to serialize drop-in for %s: %w", service, err)
			}
			path := filepath.Join(dropinDir, "zbo-preseed.conf")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("failed to write drop-in %s: %w", path, err)
			}
		}
	}

	slog.Info("Unit files written", "dir", dir, "count", len(g.units))
	return nil
}
