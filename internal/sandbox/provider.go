// Package sandbox manages the lifecycle of ephemeral compute sandboxes.
package sandbox

import (
	"context"
	"time"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
)

// Spec describes a sandbox to provision from a template/preset.
type Spec struct {
	Template string            `json:"template"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Instance is a provider-side sandbox instance. Metadata is the opaque map
// used for ownership checks.
type Instance struct {
	ID        string
	Status    domain.SandboxStatus
	CreatedAt time.Time
	Metadata  map[string]string
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Provider is the abstract sandbox provider. Implementations adapt one cloud
// API; the manager never sees wire formats.
type Provider interface {
	Name() string
	Start(ctx context.Context, spec Spec) (*Instance, error)
	// Get returns domain.ErrNotFound when the instance disappeared.
	Get(ctx context.Context, id string) (*Instance, error)
	// Pause is a no-op on an already-paused instance.
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, command []string) (*ExecResult, error)
	List(ctx context.Context) ([]Instance, error)
}
