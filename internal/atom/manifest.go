package atom

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/atoms/internal/config"
	"github.com/joshrwolf/atoms/internal/isolation"
)

const (
	// ManifestFile is the name of the manifest inside a chroot atom's directory.
	ManifestFile = "atom.json"

	// Suffix marks chroot atom directories under the atoms path.
	Suffix = ".atom"

	dateLayout = "2006-01-02T15:04:05.000000-07:00"
)

// manifest is the decoded form of atom.json. Pointers distinguish missing
// keys from zero values.
type manifest struct {
	Name            *string     `json:"name"`
	DistributionID  *string     `json:"distributionId"`
	RelativePath    *string     `json:"relativePath"`
	CreationDate    *string     `json:"creationDate"`
	UpdateDate      *string     `json:"updateDate"`
	BindThemes      *bool       `json:"bindThemes"`
	BindIcons       *bool       `json:"bindIcons"`
	BindFonts       *bool       `json:"bindFonts"`
	BindExtraMounts []mountPair `json:"bindExtraMounts"`
}

// record is what Save writes: every field, defaults included.
type record struct {
	Name            string      `json:"name"`
	DistributionID  string      `json:"distributionId"`
	RelativePath    string      `json:"relativePath"`
	CreationDate    string      `json:"creationDate"`
	UpdateDate      string      `json:"updateDate"`
	BindThemes      bool        `json:"bindThemes"`
	BindIcons       bool        `json:"bindIcons"`
	BindFonts       bool        `json:"bindFonts"`
	BindExtraMounts []mountPair `json:"bindExtraMounts"`
}

// mountPair encodes a bind as a [host, guest] array.
type mountPair isolation.Bind

func (m mountPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{m.Host, m.Guest})
}

func (m *mountPair) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("extra mount must be a [host, guest] pair, got %d elements", len(pair))
	}
	m.Host, m.Guest = pair[0], pair[1]
	return nil
}

func formatDate(t time.Time) string {
	return t.Local().Format(dateLayout)
}

// parseDate accepts the written layout (RFC 3339) and offset-less local
// timestamps from older manifests, with or without a fraction.
func parseDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Load reads the manifest of the chroot atom stored under relativePath.
func Load(paths config.Paths, relativePath string) (*Atom, error) {
	path := filepath.Join(paths.AtomPath(relativePath), ManifestFile)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedManifest, path, err)
	}

	var missing []string
	for key, v := range map[string]*string{
		"name":           m.Name,
		"distributionId": m.DistributionID,
		"relativePath":   m.RelativePath,
		"creationDate":   m.CreationDate,
		"updateDate":     m.UpdateDate,
	} {
		if v == nil {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: %s: missing %s", ErrMalformedManifest, path, strings.Join(missing, ", "))
	}

	created, err := parseDate(*m.CreationDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: creationDate: %w", ErrMalformedManifest, path, err)
	}
	updated, err := parseDate(*m.UpdateDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: updateDate: %w", ErrMalformedManifest, path, err)
	}

	var mounts []isolation.Bind
	for _, p := range m.BindExtraMounts {
		mounts = append(mounts, isolation.Bind(p))
	}

	a, err := New(paths, Params{
		Name:           *m.Name,
		DistributionID: *m.DistributionID,
		RelativePath:   *m.RelativePath,
		CreationDate:   created,
		UpdateDate:     updated,
		BindThemes:     deref(m.BindThemes),
		BindIcons:      deref(m.BindIcons),
		BindFonts:      deref(m.BindFonts),
		ExtraMounts:    mounts,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedManifest, path, err)
	}
	return a, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// LoadAll loads every chroot atom under the atoms path, oldest first.
// Atoms whose manifest cannot be read are logged and skipped.
func LoadAll(ctx context.Context, paths config.Paths) ([]*Atom, error) {
	log := clog.FromContext(ctx)

	entries, err := os.ReadDir(paths.AtomsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", paths.AtomsDir, err)
	}

	var atoms []*Atom
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), Suffix) {
			continue
		}
		a, err := Load(paths, e.Name())
		if err != nil {
			log.Warn("skipping atom", "path", e.Name(), "error", err)
			continue
		}
		atoms = append(atoms, a)
	}

	slices.SortStableFunc(atoms, func(a, b *Atom) int {
		return cmp.Compare(a.created.UnixNano(), b.created.UnixNano())
	})
	return atoms, nil
}

// Save writes a chroot atom's manifest. Container and pass-through atoms are
// owned by the container runtime and the host; for them Save returns
// ErrUnsupportedPersistenceTarget without touching the disk.
func (a *Atom) Save() error {
	c, ok := a.chroot()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedPersistenceTarget, a)
	}

	mounts := make([]mountPair, 0, len(c.ExtraMounts))
	for _, b := range c.ExtraMounts {
		mounts = append(mounts, mountPair(b))
	}

	data, err := json.Marshal(record{
		Name:            a.name,
		DistributionID:  c.DistributionID,
		RelativePath:    c.RelativePath,
		CreationDate:    formatDate(a.created),
		UpdateDate:      formatDate(a.updated),
		BindThemes:      c.BindThemes,
		BindIcons:       c.BindIcons,
		BindFonts:       c.BindFonts,
		BindExtraMounts: mounts,
	})
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	dir := a.ManifestDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	// write then rename so readers never see a partial manifest
	tmp, err := os.CreateTemp(dir, ManifestFile+".*")
	if err != nil {
		return fmt.Errorf("creating manifest: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, ManifestFile)); err != nil {
		return fmt.Errorf("saving manifest: %w", err)
	}
	return nil
}
