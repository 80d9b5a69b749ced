package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karl-digi/manaflow-sub006/internal/config"
	"github.com/karl-digi/manaflow-sub006/internal/domain"
	"github.com/karl-digi/manaflow-sub006/internal/monitor"
	"github.com/karl-digi/manaflow-sub006/internal/store"
)

// fakeSession is driven by the test: lines are pushed in, exit is signalled
// explicitly.
type fakeSession struct {
	name   string
	lines  chan string
	exited chan monitor.ExitStatus
}

func newFakeSession(name string) *fakeSession {
	return &fakeSession{
		name:   name,
		lines:  make(chan string, 16),
		exited: make(chan monitor.ExitStatus, 1),
	}
}

func (f *fakeSession) Name() string                             { return f.name }
func (f *fakeSession) Exists(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeSession) Lines() <-chan string                     { return f.lines }
func (f *fakeSession) Exited() <-chan monitor.ExitStatus        { return f.exited }
func (f *fakeSession) Detach(ctx context.Context) error         { return nil }

func newWatchService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		IdleTimeout: 60 * time.Millisecond,
		MinRuntime:  150 * time.Millisecond,
		MaxRuntime:  5 * time.Second,
	}
	return New(st, nil, nil, nil, cfg), st
}

func seedRunningRun(t *testing.T, st store.Store, runID string) {
	t.Helper()
	require.NoError(t, st.CreateTaskRun(context.Background(), &domain.TaskRun{
		RunID:     runID,
		UserID:    "u1",
		TeamID:    "t1",
		Status:    domain.TaskRunStatusRunning,
		CreatedAt: time.Now(),
	}))
}

func TestWatchTaskRunIdleCompletesRun(t *testing.T) {
	svc, st := newWatchService(t)
	seedRunningRun(t, st, "r1")

	session := newFakeSession("agent-r1")
	session.lines <- "compiling..."

	err := svc.WatchTaskRun(context.Background(), "r1", session)
	require.NoError(t, err)

	run, err := st.GetTaskRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunStatusDone, run.Status)
	assert.NotNil(t, run.EndedAt)
}

func TestWatchTaskRunPrematureExitFailsRun(t *testing.T) {
	svc, st := newWatchService(t)
	seedRunningRun(t, st, "r1")

	session := newFakeSession("agent-r1")
	session.exited <- monitor.ExitStatus{Code: 0}

	err := svc.WatchTaskRun(context.Background(), "r1", session)
	var premature *domain.PrematureExitError
	require.ErrorAs(t, err, &premature)

	run, err := st.GetTaskRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunStatusFailed, run.Status)
}

func TestWatchTaskRunUnknownRun(t *testing.T) {
	svc, _ := newWatchService(t)
	err := svc.WatchTaskRun(context.Background(), "missing", newFakeSession("agent-missing"))
	require.ErrorIs(t, err, domain.ErrNotFound)
}
