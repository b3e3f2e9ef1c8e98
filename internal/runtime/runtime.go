package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrContainerCreation is returned when the runtime could not create a
// container, usually because of a bad image reference or a failed pull.
var ErrContainerCreation = errors.New("failed to create container")

// Labels applied to every container atoms creates
const (
	LabelManaged = "atoms.managed"
	LabelImage   = "atoms.image"
)

// Runtime manages the long-lived containers backing container atoms
type Runtime interface {
	// Create starts a detached container and returns its id
	Create(ctx context.Context, name, image string) (string, error)

	// Command returns the argv that runs command inside the container,
	// starting it first if it was stopped
	Command(id string, command []string) []string

	// Stop stops the container without removing it
	Stop(ctx context.Context, id string) error

	// Remove deletes the container
	Remove(ctx context.Context, id, name string) error

	// List returns the containers created by atoms
	List(ctx context.Context) ([]Container, error)
}

// Container describes a container created by atoms
type Container struct {
	ID      string
	Name    string
	Image   string
	Created time.Time
	Running bool
}
