package zfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"zbo/internal/registry"
)

// ErrNoRemoteSnapshot means the replication target holds no snapshot for
// the dataset yet. Callers treat this as "nothing to pull", not a failure.
var ErrNoRemoteSnapshot = errors.New("no snapshot on replication target")

func sshArgs(b *registry.Binding) []string {
	args := []string{"-o", "BatchMode=yes"}
	if b.SSHKeyPath != "" {
		args = append(args, "-i", b.SSHKeyPath)
	}
	host := b.TargetHost
	if b.SSHUser != "" {
		host = b.SSHUser + "@" + host
	}
	return append(args, host)
}

// ListRemoteSnapshots lists the snapshots of the binding's target dataset,
// newest first by creation time. A target dataset that does not exist yet
// reports ErrNoRemoteSnapshot rather than a hard failure.
func (m *Manager) ListRemoteSnapshots(ctx context.Context, b *registry.Binding) ([]string, error) {
	args := append(sshArgs(b), "zfs", "list", "-H", "-o", "name", "-t", "snapshot", "-S", "creation", b.TargetDataset)
	output, err := m.runner.Run(ctx, "ssh", args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() != 255 {
			// Remote zfs failed (dataset missing); 255 would be ssh itself.
			return nil, ErrNoRemoteSnapshot
		}
		return nil, fmt.Errorf("failed to list snapshots on %s: %w", b.TargetHost, err)
	}
	snapshots := parseSnapshotList(string(output), "")
	if len(snapshots) == 0 {
		return nil, ErrNoRemoteSnapshot
	}
	return snapshots, nil
}

// Pull replicates the newest snapshot of the binding's target dataset back
// into localDataset: zfs send on the remote side piped into a local zfs
// receive. When the local dataset already holds a snapshot also present
// remotely, the transfer is incremental from that base.
func (m *Manager) Pull(ctx context.Context, b *registry.Binding, localDataset string) (string, error) {
	remoteSnapshots, err := m.ListRemoteSnapshots(ctx, b)
	if err != nil {
		return "", err
	}
	newest := remoteSnapshots[0]
	newestName := snapName(newest)

	base := ""
	if localSnapshots, err := m.ListSnapshots(ctx, localDataset, ""); err == nil {
		base = commonBase(localSnapshots, remoteSnapshots)
	}

	sendCmd := []string{"zfs", "send"}
	sendCmd = append(sendCmd, b.SendOptions...)
	if base != "" {
		sendCmd = append(sendCmd, "-i", fmt.Sprintf("@%s", base))
		slog.Info("Incremental replication pull", "base", base, "snapshot", newest)
	} else {
		slog.Info("Full replication pull", "snapshot", newest)
	}
	sendCmd = append(sendCmd, newest)

	recvArgs := []string{"receive", "-F"}
	recvArgs = append(recvArgs, b.RecvOptions...)
	recvArgs = append(recvArgs, localDataset)

	if err := m.pipePull(ctx, append(sshArgs(b), sendCmd...), recvArgs); err != nil {
		return "", err
	}
	slog.Info("Replication pull completed", "snapshot", newestName, "dataset", localDataset)
	return newestName, nil
}

// pipePull wires `ssh … zfs send` into `zfs receive` and waits for both
// sides, cancelling the peer when either fails.
func (m *Manager) pipePull(ctx context.Context, sendArgs, recvArgs []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := exec.CommandContext(ctx, "ssh", sendArgs...)
	send.Stderr = os.Stderr
	recv := exec.CommandContext(ctx, "zfs", recvArgs...)
	recv.Stderr = os.Stderr

	pipe, err := send.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	recv.Stdin = pipe

	if err := send.Start(); err != nil {
		return fmt.Errorf("failed to start remote send: %w", err)
	}
	if err := recv.Start(); err != nil {
		_ = send.Process.Kill()
		_ = send.Wait()
		return fmt.Errorf("failed to start zfs receive: %w", err)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := send.Wait(); err != nil {
			if ctx.Err() == nil {
				errChan <- fmt.Errorf("remote zfs send failed: %w", err)
			}
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := recv.Wait(); err != nil {
			if ctx.Err() == nil {
				errChan <- fmt.Errorf("zfs receive failed: %w", err)
			}
			cancel()
		}
	}()

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("replication pull failed: %w", errors.Join(errs...))
	}
	if ctx.Err() != nil {
		return fmt.Errorf("replication pull cancelled: %w", ctx.Err())
	}
	return nil
}

func snapName(snapshot string) string {
	parts := strings.SplitN(snapshot, "@", 2)
	if len(parts) != 2 {
		return snapshot
	}
	return parts[1]
}

// commonBase returns the newest snapshot name present on both sides.
// Inputs are newest-first full snapshot names.
func commonBase(local, remote []string) string {
	remoteNames := make(map[string]bool, len(remote))
	for _, r := range remote {
		remoteNames[snapName(r)] = true
	}
	for _, l := range local {
		if name := snapName(l); remoteNames[name] {
			return name
		}
	}
	return ""
}
