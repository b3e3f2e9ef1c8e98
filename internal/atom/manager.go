package atom

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/atoms/internal/config"
	"github.com/joshrwolf/atoms/internal/distro"
	"github.com/joshrwolf/atoms/internal/image"
	"github.com/joshrwolf/atoms/internal/isolation"
	"github.com/joshrwolf/atoms/internal/isolation/proot"
	"github.com/joshrwolf/atoms/internal/runtime"
	"github.com/joshrwolf/atoms/internal/servicectl"
)

// ImageSource acquires distribution images.
type ImageSource interface {
	Get(ctx context.Context, d *distro.Distribution, arch, release string, progress image.Progress) (*image.Image, error)
}

// Distributions looks up distribution descriptors.
type Distributions interface {
	Get(id string) (*distro.Distribution, error)
	ByContainerImage(image string) (*distro.Distribution, error)
}

// ServiceInstaller installs the service-control helper into a guest.
type ServiceInstaller interface {
	InstallTo(dir string) error
}

// Processes finds and signals host processes.
type Processes interface {
	Find(ctx context.Context, token string) ([]int, error)
	Kill(ctx context.Context, pid int) error
}

// Manager runs the operations that need collaborators beyond the atom itself.
type Manager struct {
	paths       config.Paths
	isolator    isolation.Isolator
	runtime     runtime.Runtime
	images      ImageSource
	distros     Distributions
	services    ServiceInstaller
	procs       Processes
	launcherDir string
	shell       func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithIsolator sets the process isolator used for chroot atoms.
func WithIsolator(i isolation.Isolator) Option {
	return func(m *Manager) { m.isolator = i }
}

// WithRuntime sets the container runtime.
func WithRuntime(rt runtime.Runtime) Option {
	return func(m *Manager) { m.runtime = rt }
}

// WithImages sets the image source used to create chroot atoms.
func WithImages(s ImageSource) Option {
	return func(m *Manager) { m.images = s }
}

// WithDistributions sets the distribution registry.
func WithDistributions(d Distributions) Option {
	return func(m *Manager) { m.distros = d }
}

// WithServiceInstaller sets the service-control installer.
func WithServiceInstaller(s ServiceInstaller) Option {
	return func(m *Manager) { m.services = s }
}

// WithProcesses sets the process table used to kill chroot sessions.
func WithProcesses(p Processes) Option {
	return func(m *Manager) { m.procs = p }
}

// WithLauncherDir sets where exit-tracking launchers are written. Empty means
// the system temp directory.
func WithLauncherDir(dir string) Option {
	return func(m *Manager) { m.launcherDir = dir }
}

// WithShell overrides how the pass-through shell is resolved.
func WithShell(fn func() string) Option {
	return func(m *Manager) { m.shell = fn }
}

// NewManager creates a Manager for atoms under paths.
func NewManager(paths config.Paths, opts ...Option) *Manager {
	m := &Manager{
		paths:    paths,
		isolator: proot.New(""),
		services: servicectl.Installer{},
		shell:    userShell,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Paths returns the path resolver the manager was created with.
func (m *Manager) Paths() config.Paths {
	return m.paths
}

// Load reads the chroot atom stored under relativePath.
func (m *Manager) Load(relativePath string) (*Atom, error) {
	return Load(m.paths, relativePath)
}

// PassThrough returns the host shell atom.
func (m *Manager) PassThrough() *Atom {
	return PassThrough(m.paths)
}

// List returns every known atom: chroots on disk, containers reported by the
// runtime, then the host shell. A failing runtime is logged and skipped.
func (m *Manager) List(ctx context.Context) ([]*Atom, error) {
	log := clog.FromContext(ctx)

	atoms, err := LoadAll(ctx, m.paths)
	if err != nil {
		return nil, err
	}

	if m.runtime != nil {
		containers, err := m.runtime.List(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("listing containers", "runtime", m.runtime, "error", err)
		}
		for _, c := range containers {
			a, err := fromContainer(m.paths, c)
			if err != nil {
				log.Warn("skipping container", "id", c.ID, "error", err)
				continue
			}
			atoms = append(atoms, a)
		}
	}

	return append(atoms, m.PassThrough()), nil
}

func fromContainer(paths config.Paths, c runtime.Container) (*Atom, error) {
	created := c.Created
	if created.IsZero() {
		created = now()
	}
	return New(paths, Params{
		Name:           c.Name,
		ContainerID:    c.ID,
		ContainerImage: c.Image,
		CreationDate:   created,
		UpdateDate:     created,
	})
}

// Distribution returns the descriptor an atom was created from. Container
// atoms are matched by image, the host shell maps to the host descriptor.
func (m *Manager) Distribution(a *Atom) (*distro.Distribution, error) {
	switch a.Kind() {
	case KindPassThrough:
		return distro.Host(), nil
	case KindContainer:
		if a.ContainerImage() == "" {
			return distro.Host(), nil
		}
		if m.distros == nil {
			return nil, fmt.Errorf("no distribution registry configured")
		}
		return m.distros.ByContainerImage(a.ContainerImage())
	}

	if m.distros == nil {
		return nil, fmt.Errorf("no distribution registry configured")
	}
	return m.distros.Get(a.DistributionID())
}

func (m *Manager) requireRuntime() (runtime.Runtime, error) {
	if m.runtime == nil {
		return nil, fmt.Errorf("no container runtime configured")
	}
	return m.runtime, nil
}
