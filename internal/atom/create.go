package atom

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/joshrwolf/atoms/internal/distro"
	"github.com/joshrwolf/atoms/internal/image"
	"github.com/joshrwolf/atoms/internal/workflow"
)

// Failure messages reported to the host
const (
	msgHashMismatch      = "Hash mismatch."
	msgDownloadFailed    = "Failed to download image, it might be a temporary problem."
	msgUnreachable       = "Unreachable remote, it might be a temporary problem."
	msgContainerCreation = "Failed to create container, it might be a temporary problem or a wrong image was requested."
)

// CreateOptions selects what a chroot atom is created from.
type CreateOptions struct {
	Name         string
	Distribution *distro.Distribution
	Architecture string
	Release      string
}

// Create builds a chroot atom: it acquires the distribution image, allocates
// a fresh directory, unpacks the image, applies the distribution's fix-ups
// and writes the manifest.
//
// Image acquisition failures are reported through r and returned wrapped in
// ErrImageAcquisition. Cancelling ctx stops the pipeline at the next stage
// and removes anything it allocated.
func (m *Manager) Create(ctx context.Context, opts CreateOptions, r workflow.Reporter) (*Atom, error) {
	r = workflow.Silent(r)

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is empty", ErrConstruction)
	}
	d := opts.Distribution
	if d == nil {
		return nil, fmt.Errorf("%w: no distribution given", ErrConstruction)
	}
	if m.images == nil {
		return nil, fmt.Errorf("no image source configured")
	}

	log := clog.FromContext(ctx).With("name", name, "distribution", d.ID, "release", opts.Release, "arch", opts.Architecture)

	var downloaded float64
	img, err := m.images.Get(ctx, d, opts.Architecture, opts.Release, func(done, total int64) {
		if total > 0 {
			downloaded = float64(done) / float64(total)
			r.Progress(workflow.StageDownload, downloaded)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error("acquiring image", "error", err)
		r.Fail(acquisitionMessage(err))
		return nil, fmt.Errorf("%w: %w", ErrImageAcquisition, err)
	}
	if downloaded < 1 {
		r.Progress(workflow.StageDownload, 1)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.Progress(workflow.StageConfig, 0)
	relativePath := uuid.NewString() + Suffix
	created := now()
	a, err := New(m.paths, Params{
		Name:           name,
		DistributionID: d.ID,
		RelativePath:   relativePath,
		CreationDate:   created,
		UpdateDate:     created,
	})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.paths.AtomsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", m.paths.AtomsDir, err)
	}
	if err := os.Mkdir(a.ManifestDir(), 0o755); err != nil {
		return nil, fmt.Errorf("allocating atom directory: %w", err)
	}
	log = log.With("path", relativePath)

	success := false
	defer func() {
		if success {
			return
		}
		log.Debug("removing incomplete atom")
		if err := removeTree(a.ManifestDir()); err != nil {
			log.Warn("removing incomplete atom", "error", err)
		}
	}()

	if err := os.Mkdir(a.FSPath(), 0o755); err != nil {
		return nil, fmt.Errorf("creating filesystem root: %w", err)
	}
	r.Progress(workflow.StageConfig, 1)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.Progress(workflow.StageUnpack, 0)
	if err := img.Unpack(ctx, a.FSPath()); err != nil {
		return nil, fmt.Errorf("unpacking image: %w", err)
	}
	if err := os.MkdirAll(a.RootPath(), 0o700); err != nil {
		return nil, fmt.Errorf("creating guest home: %w", err)
	}
	r.Progress(workflow.StageUnpack, 1)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if m.services != nil {
		if err := m.services.InstallTo(filepath.Join(a.FSPath(), "usr", "local", "bin")); err != nil {
			return nil, fmt.Errorf("installing service control: %w", err)
		}
	}

	r.Progress(workflow.StageFinalize, 0)
	if err := d.PostUnpack(ctx, a.FSPath()); err != nil {
		return nil, fmt.Errorf("finalizing filesystem: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.Save(); err != nil {
		return nil, err
	}
	success = true
	r.Progress(workflow.StageFinalize, 1)

	log.Info("created atom")
	return a, nil
}

func acquisitionMessage(err error) string {
	switch {
	case errors.Is(err, image.ErrHashMismatch):
		return msgHashMismatch
	case errors.Is(err, image.ErrUnreachableRemote):
		return msgUnreachable
	case errors.Is(err, image.ErrMisconfiguredDistribution):
		return err.Error()
	default:
		return msgDownloadFailed
	}
}

// CreateContainer creates a container atom from ref through the container
// runtime. Nothing is written to disk.
func (m *Manager) CreateContainer(ctx context.Context, name, ref string, r workflow.Reporter) (*Atom, error) {
	r = workflow.Silent(r)

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is empty", ErrConstruction)
	}
	rt, err := m.requireRuntime()
	if err != nil {
		return nil, err
	}

	log := clog.FromContext(ctx).With("name", name, "image", ref)

	r.Progress(workflow.StageContainer, 0)
	id, err := rt.Create(ctx, name, ref)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error("creating container", "error", err)
		r.Fail(msgContainerCreation)
		if errors.Is(err, ErrContainerCreation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrContainerCreation, err)
	}
	r.Progress(workflow.StageContainer, 1)

	r.Progress(workflow.StageFinalize, 0)
	a, err := New(m.paths, Params{
		Name:           name,
		ContainerID:    id,
		ContainerImage: ref,
		CreationDate:   now(),
	})
	if err != nil {
		return nil, err
	}
	r.Progress(workflow.StageFinalize, 1)

	log.Info("created container atom", "id", id)
	return a, nil
}
