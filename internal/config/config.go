package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide atoms configuration.
type Config struct {
	// Directory holding one <uuid>.atom directory per chroot atom
	AtomsPath string `yaml:"atoms_path,omitempty"`

	// Directory caching acquired distribution images
	ImagesPath string `yaml:"images_path,omitempty"`

	// Container runtime: auto, docker or podman
	Runtime string `yaml:"runtime,omitempty"`

	// Path to the proot binary
	ProotPath string `yaml:"proot_path,omitempty"`

	// Optional YAML file replacing the built-in distribution registry
	Distributions string `yaml:"distributions,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`
}

// Paths resolves on-disk locations for atoms. It is passed explicitly to the
// entity layer instead of being read from global state.
type Paths struct {
	AtomsDir  string
	ImagesDir string
}

// AtomPath returns the manifest directory of the atom with the given relative path.
func (p Paths) AtomPath(relativePath string) string {
	return filepath.Join(p.AtomsDir, relativePath)
}

// Default returns the configuration used when no config file exists.
func Default() (*Config, error) {
	data, err := DataDir()
	if err != nil {
		return nil, fmt.Errorf("resolving data dir: %w", err)
	}
	return &Config{
		AtomsPath:  filepath.Join(data, "atoms"),
		ImagesPath: filepath.Join(data, "images"),
		Runtime:    "auto",
		ProotPath:  "proot",
		LogLevel:   "info",
	}, nil
}

// Load reads the config at path, filling unset fields with defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration and fills in empty fields.
func (c *Config) Validate() error {
	switch c.Runtime {
	case "":
		c.Runtime = "auto"
	case "auto", "docker", "podman":
	default:
		return fmt.Errorf("runtime must be one of auto, docker, podman, got %q", c.Runtime)
	}

	if c.ProotPath == "" {
		c.ProotPath = "proot"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	for field, p := range map[string]string{"atoms_path": c.AtomsPath, "images_path": c.ImagesPath} {
		if p == "" {
			return fmt.Errorf("%s is required", field)
		}
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be absolute, got %q", field, p)
		}
	}

	return nil
}

// Paths returns the path resolver for this configuration.
func (c *Config) Paths() Paths {
	return Paths{AtomsDir: c.AtomsPath, ImagesDir: c.ImagesPath}
}
