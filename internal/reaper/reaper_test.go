package reaper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
	"github.com/karl-digi/manaflow-sub006/internal/store"
)

// fakeRuntime records stop calls against an in-memory container table.
type fakeRuntime struct {
	mu      sync.Mutex
	running map[string]bool
	stopped []string
	stopErr map[string]error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		running: map[string]bool{},
		stopErr: map[string]error{},
	}
}

func (f *fakeRuntime) Inspect(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[name]
	if !ok {
		return false, fmt.Errorf("container %s: %w", name, domain.ErrNotFound)
	}
	return running, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stopErr[name]; err != nil {
		return err
	}
	f.stopped = append(f.stopped, name)
	f.running[name] = false
	return nil
}

func seedRun(t *testing.T, st store.Store, runID, parentID, containerRef string, offset time.Duration) *domain.TaskRun {
	t.Helper()
	run := &domain.TaskRun{
		RunID:        runID,
		ParentRunID:  parentID,
		UserID:       "u1",
		TeamID:       "t1",
		Status:       domain.TaskRunStatusRunning,
		ContainerRef: containerRef,
		CreatedAt:    time.Now().Add(offset),
	}
	require.NoError(t, st.CreateTaskRun(context.Background(), run))
	return run
}

func newTestReaper(t *testing.T) (*Reaper, *store.SQLiteStore, *fakeRuntime) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	runtime := newFakeRuntime()
	return New(st, runtime), st, runtime
}

func TestStopTreeStripsPrefixAndSkipsStopped(t *testing.T) {
	rp, st, runtime := newTestReaper(t)

	root := seedRun(t, st, "run_root", "", "docker-a", 0)
	seedRun(t, st, "run_b", "run_root", "b", time.Millisecond)
	runtime.running["a"] = true
	runtime.running["b"] = false

	results := rp.StopTree(context.Background(), root)

	require.Len(t, results, 2)
	for _, res := range results {
		assert.True(t, res.Success, "node %s: %s", res.RunID, res.Error)
	}
	// The stop command uses the normalized name, and the already-exited
	// container needs no stop call at all.
	assert.Equal(t, []string{"a"}, runtime.stopped)
}

func TestStopTreeMissingContainerIsPerNodeFailure(t *testing.T) {
	rp, st, runtime := newTestReaper(t)

	root := seedRun(t, st, "run_root", "", "docker-gone", 0)
	seedRun(t, st, "run_child", "run_root", "alive", time.Millisecond)
	runtime.running["alive"] = true

	results := rp.StopTree(context.Background(), root)

	require.Len(t, results, 2)
	byRun := map[string]domain.StopNodeResult{}
	for _, res := range results {
		byRun[res.RunID] = res
	}
	assert.False(t, byRun["run_root"].Success)
	assert.Contains(t, byRun["run_root"].Error, "gone")
	// The failure does not abort the walk: the child still gets stopped.
	assert.True(t, byRun["run_child"].Success)
	assert.Equal(t, []string{"alive"}, runtime.stopped)
}

func TestStopTreeIsolatesSubtreeFailures(t *testing.T) {
	rp, st, runtime := newTestReaper(t)

	root := seedRun(t, st, "run_root", "", "", 0)
	seedRun(t, st, "run_left", "run_root", "left", time.Millisecond)
	seedRun(t, st, "run_left_child", "run_left", "left-child", 2*time.Millisecond)
	seedRun(t, st, "run_right", "run_root", "right", 3*time.Millisecond)
	runtime.running["left"] = true
	runtime.running["left-child"] = true
	runtime.running["right"] = true
	runtime.stopErr["left"] = fmt.Errorf("daemon unreachable")

	results := rp.StopTree(context.Background(), root)

	require.Len(t, results, 3)
	byRun := map[string]domain.StopNodeResult{}
	for _, res := range results {
		byRun[res.RunID] = res
	}
	assert.False(t, byRun["run_left"].Success)
	assert.True(t, byRun["run_left_child"].Success)
	assert.True(t, byRun["run_right"].Success)
}

func TestStopTreeNoRetries(t *testing.T) {
	rp, st, runtime := newTestReaper(t)

	root := seedRun(t, st, "run_root", "", "flaky", 0)
	runtime.running["flaky"] = true
	runtime.stopErr["flaky"] = fmt.Errorf("transient")

	results := rp.StopTree(context.Background(), root)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	// One attempt per node; nothing was retried.
	assert.Empty(t, runtime.stopped)
}

// brokenChildrenStore wraps the real store but fails child listings for one
// run id.
type brokenChildrenStore struct {
	store.Store
	failFor string
}

func (b *brokenChildrenStore) GetTaskRunChildren(ctx context.Context, runID string) ([]domain.TaskRun, error) {
	if runID == b.failFor {
		return nil, fmt.Errorf("database is locked")
	}
	return b.Store.GetTaskRunChildren(ctx, runID)
}

func TestStopTreeReportsUnlistableSubtree(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	root := seedRun(t, st, "run_root", "", "", 0)
	seedRun(t, st, "run_left", "run_root", "left", time.Millisecond)
	seedRun(t, st, "run_right", "run_root", "right", 2*time.Millisecond)
	runtime := newFakeRuntime()
	runtime.running["left"] = true
	runtime.running["right"] = true

	rp := New(&brokenChildrenStore{Store: st, failFor: "run_left"}, runtime)
	results := rp.StopTree(context.Background(), root)

	byRun := map[string]domain.StopNodeResult{}
	for _, res := range results {
		if !res.Success || byRun[res.RunID].RunID == "" {
			byRun[res.RunID] = res
		}
	}
	// The node whose subtree could not be listed carries a failure entry so
	// the caller knows the walk was partial.
	require.Contains(t, byRun, "run_left")
	assert.Contains(t, byRun["run_left"].Error, "failed to list children")
	// The sibling subtree is still walked.
	assert.True(t, byRun["run_right"].Success)
	assert.Contains(t, runtime.stopped, "right")
}

// cyclicStore wraps the real store but reports a child pointing back at the
// root, simulating malformed input.
type cyclicStore struct {
	store.Store
	root *domain.TaskRun
}

func (c *cyclicStore) GetTaskRunChildren(ctx context.Context, runID string) ([]domain.TaskRun, error) {
	return []domain.TaskRun{*c.root}, nil
}

func TestStopTreeGuardsAgainstCycles(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	root := &domain.TaskRun{
		RunID:        "run_root",
		UserID:       "u1",
		TeamID:       "t1",
		Status:       domain.TaskRunStatusRunning,
		ContainerRef: "a",
		CreatedAt:    time.Now(),
	}
	runtime := newFakeRuntime()
	runtime.running["a"] = true

	rp := New(&cyclicStore{Store: st, root: root}, runtime)
	results := rp.StopTree(context.Background(), root)

	// The visited set terminates the walk with exactly one result.
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}
