// Package servicectl installs a minimal service manager into chroot atoms,
// letting guests start systemd units without running systemd.
package servicectl

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// Name is the installed binary name.
const Name = "servicectl"

//go:embed servicectl.sh
var script []byte

// Installer writes the servicectl helper into a guest filesystem.
type Installer struct{}

// InstallTo writes servicectl into dir, creating dir if needed.
func (Installer) InstallTo(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	path := filepath.Join(dir, Name)
	if err := os.WriteFile(path, script, 0o755); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}
