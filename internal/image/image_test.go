package image

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chainguard.dev/apko/pkg/build/types"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/joshrwolf/atoms/internal/distro"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name     string
	typeflag byte
	body     string
	linkname string
}

func testImage(t *testing.T, entries []entry) v1.Image {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     0o644,
			Size:     int64(len(e.body)),
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0o755
			hdr.Size = 0
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())

	data := buf.Bytes()
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	require.NoError(t, err)

	img, err := mutate.AppendLayers(empty.Image, layer)
	require.NoError(t, err)
	return img
}

func rootfsImage(t *testing.T) v1.Image {
	return testImage(t, []entry{
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/os-release", typeflag: tar.TypeReg, body: "ID=test\n"},
		{name: "usr/bin/", typeflag: tar.TypeDir},
		{name: "bin", typeflag: tar.TypeSymlink, linkname: "usr/bin"},
		{name: "usr/bin/sh", typeflag: tar.TypeReg, body: "#!fake\n"},
		{name: "usr/bin/ash", typeflag: tar.TypeLink, linkname: "usr/bin/sh"},
	})
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestUnpack(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "chroot")

	require.NoError(t, New(rootfsImage(t)).Unpack(context.Background(), dst))

	assert.Equal(t, "ID=test\n", readFile(t, filepath.Join(dst, "etc", "os-release")))
	assert.Equal(t, "#!fake\n", readFile(t, filepath.Join(dst, "bin", "sh")))
	assert.Equal(t, "#!fake\n", readFile(t, filepath.Join(dst, "usr", "bin", "ash")))

	link, err := os.Readlink(filepath.Join(dst, "bin"))
	require.NoError(t, err)
	assert.Equal(t, "usr/bin", link)
}

func TestUnpack_ConfinesEntries(t *testing.T) {
	base := t.TempDir()
	dst := filepath.Join(base, "chroot")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(outside, 0o755))

	img := testImage(t, []entry{
		{name: "../escaped", typeflag: tar.TypeReg, body: "x"},
		{name: "abs", typeflag: tar.TypeSymlink, linkname: outside},
		{name: "abs/pwned", typeflag: tar.TypeReg, body: "y"},
	})

	require.NoError(t, New(img).Unpack(context.Background(), dst))

	assert.NoFileExists(t, filepath.Join(base, "escaped"))
	assert.FileExists(t, filepath.Join(dst, "escaped"))
	// entries below a non-directory are dropped by layer flattening
	assert.NoFileExists(t, filepath.Join(outside, "pwned"))
	assert.NoFileExists(t, filepath.Join(dst, strings.TrimPrefix(outside, "/"), "pwned"))
}

func TestResolve_SymlinkedParentStaysInRoot(t *testing.T) {
	base := t.TempDir()
	dst := filepath.Join(base, "chroot")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(dst, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(dst, "abs")))

	target, err := resolve(dst, "abs/pwned")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dst, strings.TrimPrefix(outside, "/"), "pwned"), target)

	hdr := &tar.Header{Name: "abs/pwned", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}
	require.NoError(t, extract(dst, target, hdr, strings.NewReader("y")))

	assert.NoFileExists(t, filepath.Join(outside, "pwned"))
	assert.Equal(t, "y", readFile(t, target))
}

func TestResolve_EscapingEntry(t *testing.T) {
	dst := t.TempDir()

	target, err := resolve(dst, "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dst, "etc", "passwd"), target)

	target, err = resolve(dst, "./")
	require.NoError(t, err)
	assert.Empty(t, target)
}

func TestUnpack_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(rootfsImage(t)).Unpack(ctx, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func testRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New(registry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func push(t *testing.T, ref string, img v1.Image) {
	t.Helper()
	r, err := name.ParseReference(ref)
	require.NoError(t, err)
	require.NoError(t, remote.Write(r, img))
}

func testDistribution(repo string) *distro.Distribution {
	return &distro.Distribution{
		ID:            "testos",
		Releases:      []string{"1.0"},
		Architectures: []string{"amd64"},
		Source:        distro.Source{Registry: repo},
	}
}

func TestResolver_Pull(t *testing.T) {
	host := testRegistry(t)
	img := rootfsImage(t)
	push(t, host+"/testos:1.0", img)

	cache := t.TempDir()
	r := NewResolver(cache, nil)

	var calls int
	var last, lastTotal int64
	got, err := r.Get(context.Background(), testDistribution(host+"/testos"), "amd64", "1.0", func(done, total int64) {
		calls++
		last, lastTotal = done, total
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cache, "testos-1.0-amd64.tar"), got.Path())
	assert.FileExists(t, got.Path())
	assert.NoFileExists(t, got.Path()+".partial")
	assert.Positive(t, calls)
	assert.Equal(t, lastTotal, last)

	dst := t.TempDir()
	require.NoError(t, got.Unpack(context.Background(), dst))
	assert.Equal(t, "ID=test\n", readFile(t, filepath.Join(dst, "etc", "os-release")))
}

func TestResolver_UsesCache(t *testing.T) {
	cache := t.TempDir()
	path := filepath.Join(cache, "testos-1.0-amd64.tar")
	tag, err := name.NewTag("atoms/testos:1.0")
	require.NoError(t, err)
	require.NoError(t, tarball.WriteToFile(path, tag, rootfsImage(t)))

	// unreachable remote: only the cache can satisfy this
	r := NewResolver(cache, nil)
	got, err := r.Get(context.Background(), testDistribution("127.0.0.1:1/testos"), "amd64", "1.0", nil)
	require.NoError(t, err)
	assert.Equal(t, path, got.Path())
}

func TestResolver_HashMismatch(t *testing.T) {
	host := testRegistry(t)
	push(t, host+"/testos:1.0", rootfsImage(t))

	d := testDistribution(host + "/testos")
	d.Source.Digests = map[string]string{
		"1.0/amd64": "sha256:0000000000000000000000000000000000000000000000000000000000000000",
	}

	cache := t.TempDir()
	_, err := NewResolver(cache, nil).Get(context.Background(), d, "amd64", "1.0", nil)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.NoFileExists(t, filepath.Join(cache, "testos-1.0-amd64.tar"))
}

func TestResolver_PinnedDigestMatches(t *testing.T) {
	host := testRegistry(t)
	img := rootfsImage(t)
	push(t, host+"/testos:1.0", img)

	digest, err := img.Digest()
	require.NoError(t, err)

	d := testDistribution(host + "/testos")
	d.Source.Digests = map[string]string{"1.0/amd64": digest.String()}

	_, err = NewResolver(t.TempDir(), nil).Get(context.Background(), d, "amd64", "1.0", nil)
	assert.NoError(t, err)
}

func TestResolver_UnreachableRemote(t *testing.T) {
	r := NewResolver(t.TempDir(), nil, remote.WithRetryBackoff(remote.Backoff{Duration: time.Millisecond, Steps: 1}))

	_, err := r.Get(context.Background(), testDistribution("127.0.0.1:1/testos"), "amd64", "1.0", nil)
	assert.ErrorIs(t, err, ErrUnreachableRemote)
}

func TestResolver_MissingTag(t *testing.T) {
	host := testRegistry(t)

	_, err := NewResolver(t.TempDir(), nil).Get(context.Background(), testDistribution(host+"/testos"), "amd64", "1.0", nil)
	assert.ErrorIs(t, err, ErrMisconfiguredDistribution)
}

func TestResolver_UnsupportedRelease(t *testing.T) {
	_, err := NewResolver(t.TempDir(), nil).Get(context.Background(), testDistribution("unused/testos"), "amd64", "9.9", nil)
	assert.ErrorIs(t, err, ErrMisconfiguredDistribution)

	_, err = NewResolver(t.TempDir(), nil).Get(context.Background(), testDistribution("unused/testos"), "s390x", "1.0", nil)
	assert.ErrorIs(t, err, ErrMisconfiguredDistribution)
}

type fakeBuilder struct {
	t      *testing.T
	img    v1.Image
	config *types.ImageConfiguration
	arch   string
	err    error
}

func (f *fakeBuilder) Build(_ context.Context, config *types.ImageConfiguration, arch, tag, outputPath string) error {
	f.config = config
	f.arch = arch
	if f.err != nil {
		return f.err
	}
	ref, err := name.NewTag(tag)
	require.NoError(f.t, err)
	return tarball.WriteToFile(outputPath, ref, f.img)
}

func TestResolver_Apko(t *testing.T) {
	b := &fakeBuilder{t: t, img: rootfsImage(t)}
	d := &distro.Distribution{
		ID:            "wolfi",
		Releases:      []string{"rolling"},
		Architectures: []string{"arm64"},
		Source: distro.Source{Apko: &distro.ApkoSource{
			Repositories: []string{"https://packages.wolfi.dev/os"},
			Packages:     []string{"wolfi-base"},
		}},
	}

	var done bool
	got, err := NewResolver(t.TempDir(), b).Get(context.Background(), d, "arm64", "rolling", func(n, total int64) {
		done = n == total
	})
	require.NoError(t, err)

	assert.True(t, done)
	assert.Equal(t, "arm64", b.arch)
	assert.Equal(t, []string{"wolfi-base"}, b.config.Contents.Packages)
	assert.FileExists(t, got.Path())
}

func TestResolver_ApkoWithoutBuilder(t *testing.T) {
	d := &distro.Distribution{
		ID:            "wolfi",
		Releases:      []string{"rolling"},
		Architectures: []string{"amd64"},
		Source:        distro.Source{Apko: &distro.ApkoSource{Packages: []string{"wolfi-base"}}},
	}

	_, err := NewResolver(t.TempDir(), nil).Get(context.Background(), d, "amd64", "rolling", nil)
	assert.ErrorIs(t, err, ErrMisconfiguredDistribution)
}
