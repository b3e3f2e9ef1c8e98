// Package distro describes the distributions atoms can be created from and
// the fix-ups each one needs after its image is unpacked.
package distro

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
)

// ErrUnknownDistribution is returned when no distribution matches a lookup.
var ErrUnknownDistribution = errors.New("unknown distribution")

//go:embed distributions.yaml
var builtin []byte

// Distribution describes one installable distribution.
type Distribution struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Releases        []string `yaml:"releases"`
	Architectures   []string `yaml:"architectures"`
	Source          Source   `yaml:"source"`
	ContainerImages []string `yaml:"container_images,omitempty"`
	HookNames       []string `yaml:"hooks,omitempty"`

	hooks []Hook
}

// Source says where a distribution's root filesystem comes from. Exactly one
// of Registry or Apko is set.
type Source struct {
	// OCI repository; releases are used as tags
	Registry string `yaml:"registry,omitempty"`

	// Optional pinned image digests keyed by "<release>/<arch>"
	Digests map[string]string `yaml:"digests,omitempty"`

	Apko *ApkoSource `yaml:"apko,omitempty"`
}

// ApkoSource builds the root filesystem from APK packages.
type ApkoSource struct {
	Repositories []string `yaml:"repositories"`
	Keyring      []string `yaml:"keyring,omitempty"`
	Packages     []string `yaml:"packages"`
}

// Supports reports whether the distribution can be installed for arch and release.
func (d *Distribution) Supports(arch, release string) error {
	if !slices.Contains(d.Releases, release) {
		return fmt.Errorf("distribution %s has no release %q (available: %v)", d.ID, release, d.Releases)
	}
	if !slices.Contains(d.Architectures, arch) {
		return fmt.Errorf("distribution %s is not available for %s (available: %v)", d.ID, arch, d.Architectures)
	}
	return nil
}

// PostUnpack runs the distribution's hooks, in order, against an unpacked root.
func (d *Distribution) PostUnpack(ctx context.Context, root string) error {
	log := clog.FromContext(ctx)
	for i, h := range d.hooks {
		log.Debug("running post-unpack hook", "distribution", d.ID, "hook", d.HookNames[i])
		if err := h(ctx, root); err != nil {
			return fmt.Errorf("hook %s: %w", d.HookNames[i], err)
		}
	}
	return nil
}

// Host describes the machine atoms runs on; pass-through atoms report it.
func Host() *Distribution {
	return &Distribution{ID: "host", Name: "Host"}
}

// Registry indexes distributions by id and by container image.
type Registry struct {
	distributions []*Distribution
}

type registryFile struct {
	Distributions []*Distribution `yaml:"distributions"`
}

// Default returns the built-in registry.
func Default() (*Registry, error) {
	return Load(bytes.NewReader(builtin), DefaultHooks())
}

// LoadFile reads a registry from a YAML file.
func LoadFile(path string, hooks map[string]Hook) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening distributions %s: %w", path, err)
	}
	defer f.Close()

	r, err := Load(f, hooks)
	if err != nil {
		return nil, fmt.Errorf("loading distributions %s: %w", path, err)
	}
	return r, nil
}

// Load reads a registry from YAML, resolving hook names against hooks.
func Load(r io.Reader, hooks map[string]Hook) (*Registry, error) {
	var rf registryFile
	if err := yaml.NewDecoder(r).Decode(&rf); err != nil {
		return nil, fmt.Errorf("parsing distributions: %w", err)
	}

	seen := make(map[string]bool)
	for i, d := range rf.Distributions {
		if d.ID == "" {
			return nil, fmt.Errorf("distribution %d: id is required", i)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("distribution %d: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true

		if (d.Source.Registry == "") == (d.Source.Apko == nil) {
			return nil, fmt.Errorf("distribution %s: exactly one of source.registry or source.apko is required", d.ID)
		}
		if len(d.Releases) == 0 || len(d.Architectures) == 0 {
			return nil, fmt.Errorf("distribution %s: releases and architectures are required", d.ID)
		}

		for _, hn := range d.HookNames {
			h, ok := hooks[hn]
			if !ok {
				return nil, fmt.Errorf("distribution %s: unknown hook %q", d.ID, hn)
			}
			d.hooks = append(d.hooks, h)
		}
	}

	return &Registry{distributions: rf.Distributions}, nil
}

// List returns all distributions in registry order.
func (r *Registry) List() []*Distribution {
	return slices.Clone(r.distributions)
}

// Get returns the distribution with the given id.
func (r *Registry) Get(id string) (*Distribution, error) {
	for _, d := range r.distributions {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDistribution, id)
}

// ByContainerImage returns the distribution whose container images include
// image's repository. Tags and digests are ignored, and short Docker Hub names
// match their fully qualified form.
func (r *Registry) ByContainerImage(image string) (*Distribution, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, fmt.Errorf("parsing image %q: %w", image, err)
	}
	repo := ref.Context().Name()

	for _, d := range r.distributions {
		for _, ci := range d.ContainerImages {
			candidate, err := name.NewRepository(ci)
			if err != nil {
				continue
			}
			if candidate.Name() == repo {
				return d, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no distribution for image %q", ErrUnknownDistribution, image)
}
