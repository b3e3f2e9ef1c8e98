// Package image acquires distribution root filesystems, either by pulling
// them from an OCI registry or by building them from APK packages, and
// unpacks them onto disk.
package image

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"chainguard.dev/apko/pkg/build/types"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/joshrwolf/atoms/internal/builder"
	"github.com/joshrwolf/atoms/internal/distro"
)

var (
	// ErrHashMismatch is returned when a pulled image does not match its pinned digest.
	ErrHashMismatch = errors.New("image hash mismatch")

	// ErrDownloadFailed is returned when the remote answered but the image could not be fetched.
	ErrDownloadFailed = errors.New("failed to download image")

	// ErrUnreachableRemote is returned when the remote could not be contacted.
	ErrUnreachableRemote = errors.New("unreachable remote")

	// ErrMisconfiguredDistribution is returned when a distribution cannot
	// produce an image for the requested release and architecture.
	ErrMisconfiguredDistribution = errors.New("misconfigured distribution")
)

// Progress reports bytes fetched so far out of total. total is 0 when unknown.
type Progress func(done, total int64)

// Builder builds images from APK package sets.
type Builder interface {
	Build(ctx context.Context, config *types.ImageConfiguration, arch, tag, outputPath string) error
}

// Resolver fetches distribution images and caches them as tarballs.
type Resolver struct {
	cacheDir   string
	builder    Builder
	remoteOpts []remote.Option
}

// NewResolver creates a Resolver caching images in cacheDir.
func NewResolver(cacheDir string, b Builder, opts ...remote.Option) *Resolver {
	return &Resolver{
		cacheDir:   cacheDir,
		builder:    b,
		remoteOpts: opts,
	}
}

// Get returns the image for a distribution release and architecture,
// fetching it if it is not cached yet.
func (r *Resolver) Get(ctx context.Context, d *distro.Distribution, arch, release string, progress Progress) (*Image, error) {
	log := clog.FromContext(ctx).With("distribution", d.ID, "release", release, "arch", arch)

	if err := d.Supports(arch, release); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMisconfiguredDistribution, err)
	}

	cachePath := filepath.Join(r.cacheDir, fmt.Sprintf("%s-%s-%s.tar", d.ID, release, arch))
	if _, err := os.Stat(cachePath); err == nil {
		log.Debug("using cached image", "path", cachePath)
		return Open(cachePath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking image cache: %w", err)
	}

	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating image cache: %w", err)
	}

	tag, err := name.NewTag(fmt.Sprintf("atoms/%s:%s", d.ID, release))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid release %q: %w", ErrMisconfiguredDistribution, release, err)
	}

	switch {
	case d.Source.Registry != "":
		err = r.pull(ctx, d, arch, release, tag, cachePath, progress)
	case d.Source.Apko != nil:
		err = r.build(ctx, d, arch, tag, cachePath, progress)
	default:
		err = fmt.Errorf("%w: distribution %s has no image source", ErrMisconfiguredDistribution, d.ID)
	}
	if err != nil {
		return nil, err
	}

	return Open(cachePath)
}

func (r *Resolver) pull(ctx context.Context, d *distro.Distribution, arch, release string, tag name.Tag, cachePath string, progress Progress) error {
	log := clog.FromContext(ctx)

	ref, err := name.ParseReference(d.Source.Registry + ":" + release)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMisconfiguredDistribution, err)
	}

	opts := append([]remote.Option{
		remote.WithContext(ctx),
		remote.WithPlatform(v1.Platform{OS: "linux", Architecture: arch}),
	}, r.remoteOpts...)

	log.Info("pulling image", "ref", ref.String())
	img, err := remote.Image(ref, opts...)
	if err != nil {
		return classify(err)
	}

	if want, ok := d.Source.Digests[release+"/"+arch]; ok {
		got, err := img.Digest()
		if err != nil {
			return classify(err)
		}
		if got.String() != want {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrHashMismatch, ref, got, want)
		}
	}

	if err := writeCache(img, tag, cachePath, progress); err != nil {
		return classify(err)
	}
	return nil
}

func (r *Resolver) build(ctx context.Context, d *distro.Distribution, arch string, tag name.Tag, cachePath string, progress Progress) error {
	if r.builder == nil {
		return fmt.Errorf("%w: %s needs an apko builder", ErrMisconfiguredDistribution, d.ID)
	}

	src := d.Source.Apko
	cfg := builder.Config(src.Repositories, src.Keyring, src.Packages)
	if err := r.builder.Build(ctx, cfg, arch, tag.String(), cachePath); err != nil {
		return classify(err)
	}
	if progress != nil {
		progress(1, 1)
	}
	return nil
}

// Image is an acquired root filesystem image.
type Image struct {
	img  v1.Image
	path string
}

// Open loads a cached image tarball.
func Open(path string) (*Image, error) {
	img, err := tarball.ImageFromPath(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening image %s: %w", path, err)
	}
	return &Image{img: img, path: path}, nil
}

// New wraps an in-memory image.
func New(img v1.Image) *Image {
	return &Image{img: img}
}

// Path returns the cache tarball backing the image, if any.
func (i *Image) Path() string {
	return i.path
}
