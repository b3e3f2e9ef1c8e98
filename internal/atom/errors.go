package atom

import (
	"errors"

	"github.com/joshrwolf/atoms/internal/runtime"
)

var (
	// ErrConstruction is returned when atom data is invalid, such as an empty name.
	ErrConstruction = errors.New("invalid atom")

	// ErrManifestNotFound is returned when a chroot atom has no manifest on disk.
	ErrManifestNotFound = errors.New("atom manifest not found")

	// ErrMalformedManifest is returned when a manifest cannot be decoded or
	// lacks a required field. A torn read during a concurrent save also
	// surfaces as this error and can be retried.
	ErrMalformedManifest = errors.New("malformed atom manifest")

	// ErrUnsupportedPersistenceTarget is returned when saving, or changing a
	// persisted preference of, an atom that is not a chroot.
	ErrUnsupportedPersistenceTarget = errors.New("only chroot atoms are persisted")

	// ErrRenameNotSupported is returned when renaming a container or pass-through atom.
	ErrRenameNotSupported = errors.New("container atoms cannot be renamed")

	// ErrStopNotSupported is returned when stopping a chroot atom.
	ErrStopNotSupported = errors.New("only container atoms can be stopped")

	// ErrImageAcquisition wraps the image resolver's failure kinds.
	ErrImageAcquisition = errors.New("failed to acquire image")

	// ErrContainerCreation is returned when the container runtime refused to create a container.
	ErrContainerCreation = runtime.ErrContainerCreation
)
