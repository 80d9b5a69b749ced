// Package reaper stops the backing containers of a task-run tree.
package reaper

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
	"github.com/karl-digi/manaflow-sub006/internal/store"
)

// containerRefPrefix is a marker used only in the durable store. It must be
// stripped before any runtime call.
const containerRefPrefix = "docker-"

// Runtime is the container runtime the reaper issues calls against.
type Runtime interface {
	// Inspect reports whether the named container is running.
	// A missing container returns domain.ErrNotFound.
	Inspect(ctx context.Context, name string) (running bool, err error)
	Stop(ctx context.Context, name string) error
}

// Reaper walks a task-run tree and stops each node's container.
type Reaper struct {
	store   store.Store
	runtime Runtime
}

// New creates a reaper over the given store and runtime.
func New(st store.Store, rt Runtime) *Reaper {
	return &Reaper{store: st, runtime: rt}
}

// StopTree walks the tree rooted at root depth-first and issues one stop
// attempt per containerized node. Per-node failures are recorded and do not
// abort siblings or other subtrees. The reaper performs no retries; the
// caller applies the flat result list to stored statuses.
func (r *Reaper) StopTree(ctx context.Context, root *domain.TaskRun) []domain.StopNodeResult {
	var results []domain.StopNodeResult
	visited := make(map[string]bool)
	r.walk(ctx, root, visited, &results)
	return results
}

func (r *Reaper) walk(ctx context.Context, node *domain.TaskRun, visited map[string]bool, results *[]domain.StopNodeResult) {
	if node == nil || visited[node.RunID] {
		// The parent/child structure is a tree by construction; the
		// visited set guards against malformed cyclic input.
		return
	}
	visited[node.RunID] = true

	if node.ContainerRef != "" {
		if err := r.stopContainer(ctx, node.ContainerRef); err != nil {
			*results = append(*results, domain.StopNodeResult{
				RunID:   node.RunID,
				Success: false,
				Error:   err.Error(),
			})
		} else {
			*results = append(*results, domain.StopNodeResult{RunID: node.RunID, Success: true})
		}
	}

	children, err := r.store.GetTaskRunChildren(ctx, node.RunID)
	if err != nil {
		// The subtree below this node is unreachable; surface that as a
		// failure on the node so the caller knows the walk was partial.
		log.Printf("ERROR: failed to list children of run %s: %v", node.RunID, err)
		*results = append(*results, domain.StopNodeResult{
			RunID:   node.RunID,
			Success: false,
			Error:   fmt.Sprintf("failed to list children: %v", err),
		})
		return
	}
	for i := range children {
		r.walk(ctx, &children[i], visited, results)
	}
}

// stopContainer issues a single stop attempt. Any final "not running" state
// counts as success: already exited, created-but-stopped, or a stop that
// succeeded.
func (r *Reaper) stopContainer(ctx context.Context, ref string) error {
	name := NormalizeName(ref)

	running, err := r.runtime.Inspect(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to inspect container %q: %w", name, err)
	}
	if !running {
		return nil
	}
	if err := r.runtime.Stop(ctx, name); err != nil {
		return fmt.Errorf("failed to stop container %q: %w", name, err)
	}
	return nil
}

// NormalizeName strips the store-only provider prefix from a container ref.
func NormalizeName(ref string) string {
	return strings.TrimPrefix(ref, containerRefPrefix)
}
