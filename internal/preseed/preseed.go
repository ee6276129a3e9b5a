package preseed

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"zbo/internal/manifest"
	"zbo/internal/registry"
)

// Gate is the pre-start restore barrier for one service. The supervisor
// orders the service strictly after a successful gate run, so a gate that
// fails keeps the service from ever starting against an empty directory.
type Gate struct {
	Service    string
	Dataset    string
	Mountpoint string
	Owner      string
	Group      string
	Mode       string
	Methods    []Method
	Timeout    time.Duration
}

// NewGate builds a gate from a dataset declaration and an ordered method
// list.
func NewGate(service string, decl registry.Declaration, methods []Method, timeout time.Duration) *Gate {
	return &Gate{
		Service:    service,
		Dataset:    decl.Path,
		Mountpoint: decl.Mountpoint,
		Owner:      decl.Owner,
		Group:      decl.Group,
		Mode:       decl.Mode,
		Methods:    methods,
		Timeout:    timeout,
	}
}

// Run evaluates the gate once. A mountpoint that already holds data
// short-circuits to success with zero restore work, making the gate
// idempotent across restarts. Otherwise methods run strictly in order
// until one succeeds; a method failure is logged loudly but only
// exhausting every method fails the gate.
func (g *Gate) Run(ctx context.Context) (*manifest.PreseedRun, error) {
	hostname, _ := os.Hostname()
	run := &manifest.PreseedRun{
		RunID:     uuid.NewString(),
		Service:   g.Service,
		Hostname:  hostname,
		Dataset:   g.Dataset,
		StartedAt: time.Now().Unix(),
	}

	empty, err := dirEmpty(g.Mountpoint)
	if err != nil {
		run.Outcome = OutcomeFailed
		run.Error = err.Error()
		run.FinishedAt = time.Now().Unix()
		return run, fmt.Errorf("failed to inspect mountpoint %s: %w", g.Mountpoint, err)
	}
	if !empty {
		slog.Info("Mountpoint already populated, nothing to preseed",
			"service", g.Service, "mountpoint", g.Mountpoint)
		run.Outcome = OutcomeSuccess
		run.FinishedAt = time.Now().Unix()
		return run, nil
	}

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	restored := false
	for _, method := range g.Methods {
		if ctx.Err() != nil {
			run.Attempts = append(run.Attempts, manifest.Attempt{
				Method:  method.Name(),
				Outcome: OutcomeFailed,
				Reason:  ctx.Err().Error(),
			})
			break
		}

		slog.Info("Trying restore method", "service", g.Service, "method", method.Name())
		start := time.Now()
		outcome, reason := method.Restore(ctx)
		run.Attempts = append(run.Attempts, manifest.Attempt{
			Method:   method.Name(),
			Outcome:  outcome,
			Reason:   reason,
			Duration: int64(time.Since(start).Seconds()),
		})

		switch outcome {
		case OutcomeSuccess:
			slog.Info("Restore method succeeded", "method", method.Name(), "reason", reason)
			restored = true
		case OutcomeNotApplicable:
			slog.Info("Restore method not applicable, trying next", "method", method.Name(), "reason", reason)
		default:
			slog.Error("Restore method failed", "method", method.Name(), "reason", reason)
		}
		if restored {
			break
		}
	}

	run.FinishedAt = time.Now().Unix()
	if !restored {
		run.Outcome = OutcomeFailed
		run.Error = "all configured restore methods exhausted"
		// Starting a stateful service against an empty directory is
		// worse than not starting it at all.
		return run, fmt.Errorf("preseed gate for %s failed: %s", g.Service, run.Error)
	}

	if err := g.applyOwnership(); err != nil {
		run.Outcome = OutcomeFailed
		run.Error = err.Error()
		return run, fmt.Errorf("restored data but failed to set ownership: %w", err)
	}

	run.Outcome = OutcomeSuccess
	return run, nil
}

// dirEmpty treats a missing mountpoint the same as an empty one: both
// mean a fresh host that needs preseeding.
func dirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// applyOwnership walks the restored tree setting the declared owner and
// group, and applies the declared mode to the mountpoint itself.
func (g *Gate) applyOwnership() error {
	if g.Owner == "" && g.Group == "" && g.Mode == "" {
		return nil
	}

	uid, gid := -1, -1
	if g.Owner != "" {
		u, err := user.Lookup(g.Owner)
		if err != nil {
			return fmt.Errorf("unknown owner %q: %w", g.Owner, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if g.Group != "" {
		grp, err := user.LookupGroup(g.Group)
		if err != nil {
			return fmt.Errorf("unknown group %q: %w", g.Group, err)
		}
		gid, _ = strconv.Atoi(grp.Gid)
	}

	if uid != -1 || gid != -1 {
		err := filepath.WalkDir(g.Mountpoint, func(path string, _ fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			return os.Lchown(path, uid, gid)
		})
		if err != nil {
			return fmt.Errorf("failed to chown restored tree: %w", err)
		}
	}

	if g.Mode != "" {
		mode, err := strconv.ParseUint(g.Mode, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid mode %q: %w", g.Mode, err)
		}
		if err := os.Chmod(g.Mountpoint, os.FileMode(mode)); err != nil {
			return fmt.Errorf("failed to chmod mountpoint: %w", err)
		}
	}

	slog.Info("Ownership applied to restored tree",
		"mountpoint", g.Mountpoint, "owner", g.Owner, "group", g.Group, "mode", g.Mode)
	return nil
}
