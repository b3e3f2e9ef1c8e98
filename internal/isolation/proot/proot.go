package proot

import (
	"os/exec"

	"github.com/joshrwolf/atoms/internal/isolation"
)

// GuestWorkDir is the working directory inside the guest.
const GuestWorkDir = "/root"

// Proot isolation using proot's -R mode, which binds the usual host
// directories (/dev, /proc, /sys, $HOME, /tmp, ...) into the guest.
type Proot struct {
	// Path to proot binary (default: "proot")
	prootPath string
}

// New creates a new Proot wrapper. An empty path uses "proot" from $PATH.
func New(prootPath string) *Proot {
	if prootPath == "" {
		prootPath = "proot"
	}
	return &Proot{prootPath: prootPath}
}

// Command implements isolation.Isolator
func (p *Proot) Command(root string, command []string, binds []isolation.Bind) []string {
	args := []string{p.prootPath, "--kill-on-exit", "-R", root, "-w", GuestWorkDir}

	for _, b := range binds {
		args = append(args, "-b", b.String())
	}

	// proot falls back to /bin/sh when no command is given
	return append(args, command...)
}

// Available checks if proot is installed
func (p *Proot) Available() bool {
	_, err := exec.LookPath(p.prootPath)
	return err == nil
}

// String returns the isolator name
func (p *Proot) String() string {
	return "proot"
}
