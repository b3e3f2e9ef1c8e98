package atom

import (
	"context"
	"os"
	"os/exec"

	"github.com/joshrwolf/atoms/internal/script"
)

// Command is a process the host should spawn, usually in a terminal.
type Command struct {
	Args []string

	// Env holds extra KEY=VALUE entries on top of the host environment
	Env []string

	// Dir is the working directory; empty means the caller's
	Dir string
}

// Cmd builds an exec.Cmd for c.
func (c Command) Cmd(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	return cmd
}

// Command returns how to run command inside a. An empty command starts the
// backend's default shell. With trackExit the session is wrapped in a
// launcher that waits for a key press and restarts it when it exits.
func (m *Manager) Command(ctx context.Context, a *Atom, command, env []string, trackExit bool) (Command, error) {
	if env == nil {
		env = []string{}
	}

	var c Command
	switch a.Kind() {
	case KindContainer:
		rt, err := m.requireRuntime()
		if err != nil {
			return Command{}, err
		}
		c = Command{Args: rt.Command(a.ContainerID(), command), Env: env, Dir: a.RootPath()}

	case KindPassThrough:
		c = Command{Args: []string{m.shell()}, Env: []string{}, Dir: "/"}

	default:
		c = Command{Args: m.isolator.Command(a.FSPath(), command, a.BindMounts()), Env: env, Dir: a.RootPath()}
	}

	if !trackExit {
		return c, nil
	}

	launcher, err := script.WriteLauncher(m.launcherDir)
	if err != nil {
		return Command{}, err
	}
	c.Args = append([]string{launcher}, c.Args...)
	return c, nil
}

// EnterCommand returns an interactive session in a that restarts on exit.
func (m *Manager) EnterCommand(ctx context.Context, a *Atom) (Command, error) {
	return m.Command(ctx, a, nil, nil, true)
}

// UntrackedEnterCommand returns an interactive session in a.
func (m *Manager) UntrackedEnterCommand(ctx context.Context, a *Atom) (Command, error) {
	return m.Command(ctx, a, nil, nil, false)
}

func userShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}
