package atom

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/atoms/internal/isolation"
)

// Destroy removes a. Chroot atoms lose their whole directory, container
// atoms are removed through the runtime.
func (m *Manager) Destroy(ctx context.Context, a *Atom) error {
	log := clog.FromContext(ctx).With("atom", a.Name())

	switch a.Kind() {
	case KindContainer:
		rt, err := m.requireRuntime()
		if err != nil {
			return err
		}
		log.Info("removing container", "id", a.ContainerID())
		return rt.Remove(ctx, a.ContainerID(), a.Name())

	case KindPassThrough:
		log.Debug("nothing to destroy for the system shell")
		return nil
	}

	log.Info("removing atom", "path", a.ManifestDir())
	return removeTree(a.ManifestDir())
}

// removeTree deletes dir. Images may ship read-only directories, so when a
// plain remove fails owner write permission is restored and it is retried.
func removeTree(dir string) error {
	err := os.RemoveAll(dir)
	if err == nil {
		return nil
	}

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = os.Chmod(path, 0o700)
		}
		return nil
	})

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing %s: %w", dir, err)
	}
	return nil
}

// Kill terminates everything running in a. For chroot atoms that is every
// host process whose command line mentions the atom's directory.
func (m *Manager) Kill(ctx context.Context, a *Atom) error {
	log := clog.FromContext(ctx).With("atom", a.Name())

	switch a.Kind() {
	case KindContainer:
		rt, err := m.requireRuntime()
		if err != nil {
			return err
		}
		return rt.Stop(ctx, a.ContainerID())

	case KindPassThrough:
		log.Debug("nothing to kill for the system shell")
		return nil
	}

	if m.procs == nil {
		return fmt.Errorf("no process table configured")
	}

	pids, err := m.procs.Find(ctx, a.RelativePath())
	if err != nil {
		return fmt.Errorf("finding processes: %w", err)
	}

	var errs []error
	for _, pid := range pids {
		log.Debug("killing process", "pid", pid)
		if err := m.procs.Kill(ctx, pid); err != nil {
			errs = append(errs, fmt.Errorf("killing %d: %w", pid, err))
		}
	}
	log.Info("killed atom processes", "count", len(pids)-len(errs))
	return errors.Join(errs...)
}

// Stop stops a container atom, leaving it in place.
func (m *Manager) Stop(ctx context.Context, a *Atom) error {
	switch a.Kind() {
	case KindContainer:
		rt, err := m.requireRuntime()
		if err != nil {
			return err
		}
		return rt.Stop(ctx, a.ContainerID())

	case KindPassThrough:
		clog.FromContext(ctx).Debug("nothing to stop for the system shell")
		return nil
	}

	return fmt.Errorf("%w: %s", ErrStopNotSupported, a)
}

// Rename changes a chroot atom's name and saves it.
func (a *Atom) Rename(name string) error {
	if _, ok := a.chroot(); !ok {
		return fmt.Errorf("%w: %s", ErrRenameNotSupported, a)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrConstruction)
	}

	old := a.name
	a.name = name
	if err := a.Save(); err != nil {
		a.name = old
		return err
	}
	return nil
}

// SetBindThemes toggles sharing the host's themes and saves the atom.
func (a *Atom) SetBindThemes(v bool) error {
	return a.update(func(c *Chroot) { c.BindThemes = v })
}

// SetBindIcons toggles sharing the host's icons and saves the atom.
func (a *Atom) SetBindIcons(v bool) error {
	return a.update(func(c *Chroot) { c.BindIcons = v })
}

// SetBindFonts toggles sharing the host's fonts and saves the atom.
func (a *Atom) SetBindFonts(v bool) error {
	return a.update(func(c *Chroot) { c.BindFonts = v })
}

// SetExtraMounts replaces the extra bind mounts and saves the atom.
func (a *Atom) SetExtraMounts(mounts []isolation.Bind) error {
	return a.update(func(c *Chroot) { c.ExtraMounts = slices.Clone(mounts) })
}

// AddExtraMount appends a bind mount unless an identical one exists.
func (a *Atom) AddExtraMount(b isolation.Bind) error {
	return a.update(func(c *Chroot) {
		if !slices.Contains(c.ExtraMounts, b) {
			c.ExtraMounts = append(slices.Clone(c.ExtraMounts), b)
		}
	})
}

// RemoveExtraMount drops every extra mount of host.
func (a *Atom) RemoveExtraMount(host string) error {
	return a.update(func(c *Chroot) {
		c.ExtraMounts = slices.DeleteFunc(slices.Clone(c.ExtraMounts), func(b isolation.Bind) bool {
			return b.Host == host
		})
	})
}

// update applies fn to the chroot backend and saves. The atom is left
// unchanged when the save fails.
func (a *Atom) update(fn func(*Chroot)) error {
	c, ok := a.chroot()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedPersistenceTarget, a)
	}

	old := a.backend
	fn(&c)
	a.backend = c
	if err := a.Save(); err != nil {
		a.backend = old
		return err
	}
	return nil
}
