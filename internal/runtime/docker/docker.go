package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/atoms/internal/runtime"
)

// keepAlive keeps a container running until it is stopped
const keepAlive = `trap 'exit 0' TERM INT; while :; do sleep 86400 & wait $!; done`

// Docker runtime implementation, also driving podman through its
// docker-compatible CLI
type Docker struct {
	// Path to docker binary (default: "docker")
	dockerPath string
}

// New creates a new Docker runtime. An empty path uses "docker".
func New(path string) *Docker {
	if path == "" {
		path = "docker"
	}
	return &Docker{
		dockerPath: path,
	}
}

// Detect returns the first available runtime. preference is "auto",
// "docker" or "podman"; auto prefers podman, which runs rootless.
func Detect(ctx context.Context, preference string) (*Docker, error) {
	candidates := []string{"podman", "docker"}
	if preference != "" && preference != "auto" {
		candidates = []string{preference}
	}

	for _, c := range candidates {
		d := New(c)
		if d.Available(ctx) {
			return d, nil
		}
	}

	return nil, fmt.Errorf("no container runtime found (tried %s)", strings.Join(candidates, ", "))
}

// Create implements runtime.Runtime
func (d *Docker) Create(ctx context.Context, name, image string) (string, error) {
	log := clog.FromContext(ctx)

	args := d.buildCreateArgs(name, image)
	log.Debug("creating container", "args", args)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.dockerPath, args...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s run: %w, output: %s", runtime.ErrContainerCreation, d, err, strings.TrimSpace(stderr.String()))
	}

	id := strings.TrimSpace(string(out))
	// pull progress may precede the id when stderr is not a terminal
	if i := strings.LastIndexByte(id, '\n'); i >= 0 {
		id = id[i+1:]
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s run returned no container id", runtime.ErrContainerCreation, d)
	}

	log.Info("created container", "name", name, "id", id)
	return id, nil
}

// buildCreateArgs builds the arguments of a detached run
func (d *Docker) buildCreateArgs(name, image string) []string {
	args := []string{
		"run", "-d",
		"--name", name,
		"--hostname", name,
		"--label", runtime.LabelManaged + "=true",
		"--label", runtime.LabelImage + "=" + image,
	}

	// User mapping: podman maps the invoking user, docker runs as UID:GID
	if d.isPodman() {
		args = append(args, "--userns", "keep-id")
	} else {
		args = append(args, "--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()))
	}

	// Share the home directory like the chroot backend does
	if home, err := os.UserHomeDir(); err == nil {
		args = append(args, "-v", fmt.Sprintf("%s:%s:rw", home, home), "-e", "HOME="+home)
	}

	return append(args, "--entrypoint", "/bin/sh", image, "-c", keepAlive)
}

// Command implements runtime.Runtime
func (d *Docker) Command(id string, command []string) []string {
	if len(command) == 0 {
		command = []string{"/bin/sh", "-l"}
	}

	// only request a TTY when there is one to attach
	script := fmt.Sprintf(
		`%[1]q start "$0" >/dev/null || exit; if [ -t 0 ]; then exec %[1]q exec -it "$0" "$@"; fi; exec %[1]q exec -i "$0" "$@"`,
		d.dockerPath,
	)
	return append([]string{"sh", "-c", script, id}, command...)
}

// Stop implements runtime.Runtime
func (d *Docker) Stop(ctx context.Context, id string) error {
	clog.FromContext(ctx).Debug("stopping container", "id", id)
	return d.run(ctx, "stop", id)
}

// Remove implements runtime.Runtime
func (d *Docker) Remove(ctx context.Context, id, name string) error {
	clog.FromContext(ctx).Info("removing container", "name", name, "id", id)
	return d.run(ctx, "rm", "-f", id)
}

// List implements runtime.Runtime
func (d *Docker) List(ctx context.Context) ([]runtime.Container, error) {
	cmd := exec.CommandContext(ctx, d.dockerPath, "ps", "-a", "-q", "--no-trunc", "--filter", "label="+runtime.LabelManaged+"=true")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s ps: %w", d, err)
	}

	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return nil, nil
	}

	cmd = exec.CommandContext(ctx, d.dockerPath, append([]string{"inspect"}, ids...)...)
	out, err = cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s inspect: %w", d, err)
	}
	return parseInspect(out)
}

type inspectEntry struct {
	ID      string    `json:"Id"`
	Name    string    `json:"Name"`
	Created time.Time `json:"Created"`
	Config  struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	State struct {
		Running bool `json:"Running"`
	} `json:"State"`
}

// parseInspect reads the JSON array printed by docker and podman inspect
func parseInspect(data []byte) ([]runtime.Container, error) {
	var entries []inspectEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing inspect output: %w", err)
	}

	containers := make([]runtime.Container, 0, len(entries))
	for _, e := range entries {
		image := e.Config.Labels[runtime.LabelImage]
		if image == "" {
			image = e.Config.Image
		}
		containers = append(containers, runtime.Container{
			ID:      e.ID,
			Name:    strings.TrimPrefix(e.Name, "/"),
			Image:   image,
			Created: e.Created,
			Running: e.State.Running,
		})
	}
	return containers, nil
}

func (d *Docker) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, d.dockerPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s failed: %w, output: %s", d, args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (d *Docker) isPodman() bool {
	return strings.Contains(d.dockerPath, "podman")
}

// Available checks if the runtime is available
func (d *Docker) Available(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, d.dockerPath, "version", "--format", "json")
	return cmd.Run() == nil
}

// String returns the runtime name
func (d *Docker) String() string {
	if d.isPodman() {
		return "podman"
	}
	return "docker"
}
