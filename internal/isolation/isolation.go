package isolation

import "fmt"

// Isolator wraps a command so it runs rooted at an unpacked filesystem.
type Isolator interface {
	// Command returns the argv that runs command inside root with binds applied.
	Command(root string, command []string, binds []Bind) []string
}

// Bind mounts a host path at a guest path.
type Bind struct {
	Host  string
	Guest string
}

// String returns the host:guest form used on isolation tool command lines.
func (b Bind) String() string {
	if b.Guest == "" || b.Guest == b.Host {
		return b.Host
	}
	return fmt.Sprintf("%s:%s", b.Host, b.Guest)
}
