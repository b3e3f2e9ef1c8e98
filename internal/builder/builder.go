package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chainguard.dev/apko/pkg/apk/apk"
	"chainguard.dev/apko/pkg/build"
	"chainguard.dev/apko/pkg/build/oci"
	"chainguard.dev/apko/pkg/build/types"
	"chainguard.dev/apko/pkg/tarfs"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Builder assembles root filesystem images from APK packages
type Builder struct {
	cacheDir string
	tmpDir   string
}

// New creates a new Builder
func New(cacheDir, tmpDir string) *Builder {
	return &Builder{
		cacheDir: cacheDir,
		tmpDir:   tmpDir,
	}
}

// Config returns the image configuration for a package set
func Config(repositories, keyring, packages []string) *types.ImageConfiguration {
	return &types.ImageConfiguration{
		Contents: types.ImageContents{
			RuntimeRepositories: repositories,
			Keyring:             keyring,
			Packages:            packages,
		},
		Cmd: "/bin/sh -l",
	}
}

// Build builds an image for arch and writes it as a tarball to outputPath
func (b *Builder) Build(ctx context.Context, config *types.ImageConfiguration, arch, tag, outputPath string) error {
	log := clog.FromContext(ctx)

	a := types.ParseArchitecture(arch)

	workDir, err := os.MkdirTemp(b.tmpDir, "atoms-apko-*")
	if err != nil {
		return fmt.Errorf("creating build dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	opts := []build.Option{
		build.WithImageConfiguration(*config),
		build.WithArch(a),
		build.WithCache(b.cacheDir, false, apk.NewCache(true)),
		build.WithTempDir(workDir),
	}

	bc, err := build.New(ctx, tarfs.New(), opts...)
	if err != nil {
		return fmt.Errorf("creating build context: %w", err)
	}

	log.Info("installing packages", "arch", arch, "packages", config.Contents.Packages)
	if err := bc.BuildImage(ctx); err != nil {
		return fmt.Errorf("building image: %w", err)
	}

	layers, err := bc.BuildLayers(ctx)
	if err != nil {
		return fmt.Errorf("building layers: %w", err)
	}

	img, err := oci.BuildImageFromLayers(
		ctx,
		empty.Image,
		layers,
		bc.ImageConfiguration(),
		time.Now(),
		a,
	)
	if err != nil {
		return fmt.Errorf("building image from layers: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	log.Debug("writing image tarball", "path", outputPath)
	return writeImageTarball(img, tag, outputPath)
}

// writeImageTarball writes img to outputPath, replacing it only once complete
func writeImageTarball(img v1.Image, tag, outputPath string) error {
	ref, err := name.NewTag(tag)
	if err != nil {
		return fmt.Errorf("parsing tag %q: %w", tag, err)
	}

	partial := outputPath + ".partial"
	if err := tarball.WriteToFile(partial, ref, img); err != nil {
		os.Remove(partial)
		return fmt.Errorf("writing tarball: %w", err)
	}

	return os.Rename(partial, outputPath)
}
