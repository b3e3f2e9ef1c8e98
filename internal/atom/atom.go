// Package atom models sandbox environments ("atoms") and everything that can
// be done with them.
//
// An atom is backed by exactly one of three strategies:
//
//   - [Chroot]: an unpacked distribution image run under proot, persisted as
//     a manifest in its own directory.
//   - [Container]: a container owned by the container runtime. Nothing is
//     written to disk by atoms; the runtime is the source of truth.
//   - [Host]: the host itself, reached through the user's shell.
//
// Entity state lives on [Atom]. Operations that need outside collaborators
// (image resolution, the container runtime, process lookup) live on [Manager].
package atom

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joshrwolf/atoms/internal/config"
	"github.com/joshrwolf/atoms/internal/isolation"
)

// PassThroughName is the reserved name of the pass-through atom.
const PassThroughName = "system-shell"

// Kind identifies which backend serves an atom.
type Kind int

const (
	KindChroot Kind = iota
	KindContainer
	KindPassThrough
)

func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindPassThrough:
		return "system shell"
	default:
		return "chroot"
	}
}

// Backend is one of Chroot, Container or Host.
type Backend interface {
	backend()
}

// Chroot is an unpacked root filesystem run under process isolation.
type Chroot struct {
	DistributionID string

	// RelativePath names the atom's directory under the atoms path. It is
	// assigned at creation and never changes.
	RelativePath string

	BindThemes  bool
	BindIcons   bool
	BindFonts   bool
	ExtraMounts []isolation.Bind
}

// Container is a container managed by the container runtime.
type Container struct {
	ID    string
	Image string
}

// Host runs commands directly on the host through the user's shell.
type Host struct {
	// ContainerID is normally empty. When set, the atom is driven through the
	// container runtime like a Container.
	ContainerID string
}

func (Chroot) backend()    {}
func (Container) backend() {}
func (Host) backend()      {}

// Host directories shared into chroots by the bind toggles
var (
	themesMount = isolation.Bind{Host: "/usr/share/themes", Guest: "/usr/share/themes"}
	iconsMount  = isolation.Bind{Host: "/usr/share/icons", Guest: "/usr/share/icons"}
	fontsMount  = isolation.Bind{Host: "/usr/share/fonts", Guest: "/usr/share/fonts"}
)

// Atom is a sandbox environment.
type Atom struct {
	name    string
	created time.Time
	updated time.Time
	backend Backend
	paths   config.Paths
}

// Params is the flat field set an atom is built from.
type Params struct {
	Name           string
	DistributionID string
	RelativePath   string
	CreationDate   time.Time

	// UpdateDate defaults to CreationDate for chroots and to now otherwise
	UpdateDate time.Time

	ContainerID    string
	ContainerImage string
	PassThrough    bool

	BindThemes  bool
	BindIcons   bool
	BindFonts   bool
	ExtraMounts []isolation.Bind
}

// New builds an atom from p. The name is trimmed and must not be empty.
// A container id and a relative path are mutually exclusive.
func New(paths config.Paths, p Params) (*Atom, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is empty", ErrConstruction)
	}
	if p.ContainerID != "" && p.RelativePath != "" {
		return nil, fmt.Errorf("%w: %q has both a container id and a relative path", ErrConstruction, name)
	}

	var b Backend
	switch {
	case p.PassThrough:
		b = Host{ContainerID: p.ContainerID}
	case p.ContainerID != "":
		b = Container{ID: p.ContainerID, Image: p.ContainerImage}
	default:
		if err := validateRelativePath(p.RelativePath); err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrConstruction, name, err)
		}
		b = Chroot{
			DistributionID: p.DistributionID,
			RelativePath:   p.RelativePath,
			BindThemes:     p.BindThemes,
			BindIcons:      p.BindIcons,
			BindFonts:      p.BindFonts,
			ExtraMounts:    slices.Clone(p.ExtraMounts),
		}
	}

	updated := p.UpdateDate
	if updated.IsZero() {
		if p.ContainerID != "" || p.PassThrough {
			updated = now()
		} else {
			updated = p.CreationDate
		}
	}

	return &Atom{
		name:    name,
		created: p.CreationDate,
		updated: updated,
		backend: b,
		paths:   paths,
	}, nil
}

// PassThrough returns the atom representing the host shell.
func PassThrough(paths config.Paths) *Atom {
	t := now()
	return &Atom{
		name:    PassThroughName,
		created: t,
		updated: t,
		backend: Host{},
		paths:   paths,
	}
}

// validateRelativePath keeps chroot directories directly under the atoms path.
func validateRelativePath(rel string) error {
	switch {
	case rel == "":
		return fmt.Errorf("relative path is empty")
	case rel == "." || rel == ".." || filepath.Base(rel) != rel:
		return fmt.Errorf("relative path %q must be a single path element", rel)
	}
	return nil
}

// now returns the current time at the precision manifests store.
func now() time.Time {
	return time.Now().Truncate(time.Microsecond)
}

func (a *Atom) Name() string            { return a.name }
func (a *Atom) CreationDate() time.Time { return a.created }
func (a *Atom) UpdateDate() time.Time   { return a.updated }

// Backend returns a copy of the atom's backend.
func (a *Atom) Backend() Backend {
	if c, ok := a.backend.(Chroot); ok {
		c.ExtraMounts = slices.Clone(c.ExtraMounts)
		return c
	}
	return a.backend
}

// Kind resolves the backend that serves the atom: a container id wins, then
// the pass-through flag, else chroot.
func (a *Atom) Kind() Kind {
	if a.ContainerID() != "" {
		return KindContainer
	}
	if a.IsPassThroughShell() {
		return KindPassThrough
	}
	return KindChroot
}

// IsManagedContainer reports whether the atom has a container id.
func (a *Atom) IsManagedContainer() bool {
	return a.ContainerID() != ""
}

// IsPassThroughShell reports whether the atom is the host shell.
func (a *Atom) IsPassThroughShell() bool {
	_, ok := a.backend.(Host)
	return ok
}

// ContainerID returns the container id, if any.
func (a *Atom) ContainerID() string {
	switch b := a.backend.(type) {
	case Container:
		return b.ID
	case Host:
		return b.ContainerID
	}
	return ""
}

// ContainerImage returns the image a container atom was created from.
func (a *Atom) ContainerImage() string {
	if b, ok := a.backend.(Container); ok {
		return b.Image
	}
	return ""
}

// DistributionID returns the distribution a chroot atom was created from.
func (a *Atom) DistributionID() string {
	if c, ok := a.chroot(); ok {
		return c.DistributionID
	}
	return ""
}

// RelativePath returns a chroot atom's directory name.
func (a *Atom) RelativePath() string {
	if c, ok := a.chroot(); ok {
		return c.RelativePath
	}
	return ""
}

// ID returns the backend identity: the container id for container and
// pass-through atoms, the relative path for chroots.
func (a *Atom) ID() string {
	if c, ok := a.chroot(); ok {
		return c.RelativePath
	}
	return a.ContainerID()
}

// ManifestDir is the directory holding a chroot atom's manifest and filesystem.
func (a *Atom) ManifestDir() string {
	c, ok := a.chroot()
	if !ok {
		return ""
	}
	return a.paths.AtomPath(c.RelativePath)
}

// FSPath is the root of a chroot atom's unpacked filesystem.
func (a *Atom) FSPath() string {
	dir := a.ManifestDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "chroot")
}

// RootPath is the host path of the guest's /root, where sessions start.
func (a *Atom) RootPath() string {
	fs := a.FSPath()
	if fs == "" {
		return ""
	}
	return filepath.Join(fs, "root")
}

// BindMounts returns the host directories shared into a chroot atom, themes,
// icons and fonts first, then the extra mounts in their configured order.
func (a *Atom) BindMounts() []isolation.Bind {
	c, ok := a.chroot()
	if !ok {
		return nil
	}

	var mounts []isolation.Bind
	if c.BindThemes {
		mounts = append(mounts, themesMount)
	}
	if c.BindIcons {
		mounts = append(mounts, iconsMount)
	}
	if c.BindFonts {
		mounts = append(mounts, fontsMount)
	}
	return append(mounts, c.ExtraMounts...)
}

// FormattedUpdateDate renders the update date for display.
func (a *Atom) FormattedUpdateDate() string {
	return a.updated.Format("02 January, 2006 15:04:05")
}

func (a *Atom) String() string {
	switch a.Kind() {
	case KindContainer:
		return fmt.Sprintf("Atom %s (container)", a.name)
	case KindPassThrough:
		return fmt.Sprintf("Atom %s (system shell)", a.name)
	}
	return fmt.Sprintf("Atom %s", a.name)
}

func (a *Atom) chroot() (Chroot, bool) {
	c, ok := a.backend.(Chroot)
	return c, ok
}
