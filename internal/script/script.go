package script

import (
	"fmt"
	"os"
)

// Launcher is the restart-on-keypress wrapper for interactive sessions.
// It runs its arguments, waits for a key, clears the screen and starts over,
// so closing the shell inside an atom does not close the terminal. The script
// removes itself once started and exits when its input is closed.
const Launcher = `#!/usr/bin/env bash
rm -f -- "$0"
while true; do
    clear
    "$@"
    read -n 1 -s -r -p "Press any key to restart the Atom console…" || exit 0
done
`

// WriteLauncher writes a new executable launcher script into dir (the system
// temp dir when empty) and returns its path. Each call creates a distinct file.
func WriteLauncher(dir string) (string, error) {
	tmpFile, err := os.CreateTemp(dir, "atoms-launcher-*.sh")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.WriteString(Launcher); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing launcher: %w", err)
	}

	if err := tmpFile.Chmod(0o755); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("chmod: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	return tmpPath, nil
}
