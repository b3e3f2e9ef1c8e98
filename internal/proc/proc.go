// Package proc finds and signals host processes by command line.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Table looks up processes in a proc filesystem.
type Table struct {
	fs   procfs.FS
	self int
}

// New opens the proc filesystem mounted at mountPoint (usually /proc).
func New(mountPoint string) (*Table, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("opening procfs %s: %w", mountPoint, err)
	}
	return &Table{fs: fs, self: os.Getpid()}, nil
}

// Find returns the pids whose command line contains token. The calling
// process is never included.
func (t *Table) Find(ctx context.Context, token string) ([]int, error) {
	log := clog.FromContext(ctx)

	procs, err := t.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	var pids []int
	for _, p := range procs {
		if p.PID == t.self {
			continue
		}
		cmdline, err := p.CmdLine()
		if err != nil {
			// the process may have exited since the listing
			log.Debug("skipping process", "pid", p.PID, "error", err)
			continue
		}
		if strings.Contains(strings.Join(cmdline, " "), token) {
			pids = append(pids, p.PID)
		}
	}
	return pids, nil
}

// Kill sends SIGKILL to pid. A process that already exited is not an error.
func (t *Table) Kill(ctx context.Context, pid int) error {
	clog.FromContext(ctx).Debug("killing process", "pid", pid)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing %d: %w", pid, err)
	}
	return nil
}
