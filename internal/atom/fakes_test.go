package atom

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/joshrwolf/atoms/internal/config"
	"github.com/joshrwolf/atoms/internal/distro"
	"github.com/joshrwolf/atoms/internal/image"
	"github.com/joshrwolf/atoms/internal/isolation"
	"github.com/joshrwolf/atoms/internal/runtime"
	"github.com/joshrwolf/atoms/internal/workflow"
	"github.com/stretchr/testify/require"
)

func testPaths(t *testing.T) config.Paths {
	t.Helper()
	dir := t.TempDir()
	return config.Paths{AtomsDir: dir + "/atoms", ImagesDir: dir + "/images"}
}

const testDistributions = `
distributions:
  - id: ubuntu
    name: Ubuntu
    releases: ["24.04"]
    architectures: [amd64]
    source:
      registry: docker.io/library/ubuntu
    container_images: [ubuntu]
    hooks: [apt-trusted-sources]
`

func testRegistry(t *testing.T) *distro.Registry {
	t.Helper()
	r, err := distro.Load(strings.NewReader(testDistributions), map[string]distro.Hook{
		"apt-trusted-sources": distro.AptTrustedSources,
	})
	require.NoError(t, err)
	return r
}

func ubuntu(t *testing.T) *distro.Distribution {
	t.Helper()
	d, err := testRegistry(t).Get("ubuntu")
	require.NoError(t, err)
	return d
}

// rootfs returns a single-layer image holding files (path -> content).
func rootfs(t *testing.T, files map[string]string) *image.Image {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, dir := range []string{"etc/", "etc/apt/", "usr/", "usr/bin/"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: dir, Typeflag: tar.TypeDir, Mode: 0o755}))
	}
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	data := buf.Bytes()
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	require.NoError(t, err)

	img, err := mutate.AppendLayers(empty.Image, layer)
	require.NoError(t, err)
	return image.New(img)
}

type fakeImages struct {
	img      *image.Image
	err      error
	progress []int64
	calls    int
	hook     func()
}

func (f *fakeImages) Get(_ context.Context, _ *distro.Distribution, _, _ string, progress image.Progress) (*image.Image, error) {
	f.calls++
	for _, p := range f.progress {
		progress(p, 100)
	}
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.img, nil
}

type fakeRuntime struct {
	mu         sync.Mutex
	createID   string
	createErr  error
	containers []runtime.Container
	listErr    error
	stopped    []string
	removed    []string
}

func (f *fakeRuntime) Create(_ context.Context, _, _ string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createID, nil
}

func (f *fakeRuntime) Command(id string, command []string) []string {
	return append([]string{"rt", "exec", id}, command...)
}

func (f *fakeRuntime) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id+"/"+name)
	return nil
}

func (f *fakeRuntime) List(context.Context) ([]runtime.Container, error) {
	return f.containers, f.listErr
}

type fakeIsolator struct{}

func (fakeIsolator) Command(root string, command []string, binds []isolation.Bind) []string {
	args := []string{"iso", root}
	for _, b := range binds {
		args = append(args, "-b", b.String())
	}
	return append(args, command...)
}

type fakeInstaller struct {
	dirs []string
	hook func()
}

func (f *fakeInstaller) InstallTo(dir string) error {
	f.dirs = append(f.dirs, dir)
	if f.hook != nil {
		f.hook()
	}
	return nil
}

type fakeProcs struct {
	pids   map[string][]int
	killed []int
}

func (f *fakeProcs) Find(_ context.Context, token string) ([]int, error) {
	return f.pids[token], nil
}

func (f *fakeProcs) Kill(_ context.Context, pid int) error {
	f.killed = append(f.killed, pid)
	return nil
}

type recorder struct {
	events []workflow.Event
}

func (r *recorder) Progress(stage workflow.Stage, fraction float64) {
	r.events = append(r.events, workflow.Event{Stage: stage, Progress: fraction})
}

func (r *recorder) Fail(message string) {
	r.events = append(r.events, workflow.Event{Message: message})
}

func (r *recorder) failures() []string {
	var msgs []string
	for _, e := range r.events {
		if e.Failed() {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}
