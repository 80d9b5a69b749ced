// Package dockercli implements the container runtime interface by shelling
// out to the docker CLI.
package dockercli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
)

// Runtime issues docker CLI calls. Names passed in must already be
// normalized; the reaper strips store-side prefixes before calling.
type Runtime struct {
	// Binary defaults to "docker".
	Binary string
}

// New creates a docker CLI runtime.
func New() *Runtime {
	return &Runtime{Binary: "docker"}
}

// Inspect reports whether the named container is running. A container docker
// does not know about maps to domain.ErrNotFound.
func (r *Runtime) Inspect(ctx context.Context, name string) (bool, error) {
	out, stderr, err := r.run(ctx, "inspect", "--format", "{{.State.Running}}", name)
	if err != nil {
		if strings.Contains(stderr, "No such object") || strings.Contains(stderr, "No such container") {
			return false, fmt.Errorf("container %s: %w", name, domain.ErrNotFound)
		}
		return false, fmt.Errorf("docker inspect %s failed: %w (%s)", name, err, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(out) == "true", nil
}

// Stop stops the named container.
func (r *Runtime) Stop(ctx context.Context, name string) error {
	if _, stderr, err := r.run(ctx, "stop", name); err != nil {
		return fmt.Errorf("docker stop %s failed: %w (%s)", name, err, strings.TrimSpace(stderr))
	}
	return nil
}

func (r *Runtime) run(ctx context.Context, args ...string) (string, string, error) {
	binary := r.Binary
	if binary == "" {
		binary = "docker"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
