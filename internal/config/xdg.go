package config

import (
	"os"
	"path/filepath"
)

// ConfigPath returns the default config file location,
// $XDG_CONFIG_HOME/atoms/config.yaml or ~/.config/atoms/config.yaml.
func ConfigPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "atoms", "config.yaml"), nil
}

// DataDir returns $XDG_DATA_HOME/atoms or ~/.local/share/atoms.
func DataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "atoms"), nil
}
