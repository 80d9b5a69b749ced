package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
)

// fakeSession scripts a terminal-multiplexer session for the monitor.
type fakeSession struct {
	name     string
	lines    chan string
	exited   chan ExitStatus
	existing bool

	mu       sync.Mutex
	detached bool
}

func newFakeSession(name string) *fakeSession {
	return &fakeSession{
		name:     name,
		lines:    make(chan string, 64),
		exited:   make(chan ExitStatus, 1),
		existing: true,
	}
}

func (f *fakeSession) Name() string                             { return f.name }
func (f *fakeSession) Exists(ctx context.Context) (bool, error) { return f.existing, nil }
func (f *fakeSession) Lines() <-chan string                     { return f.lines }
func (f *fakeSession) Exited() <-chan ExitStatus                { return f.exited }

func (f *fakeSession) Detach(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
	return nil
}

func (f *fakeSession) wasDetached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached
}

func testOptions() Options {
	return Options{
		IdleTimeout:  120 * time.Millisecond,
		MaxRuntime:   5 * time.Second,
		ReadyRetries: 3,
		ReadyDelay:   5 * time.Millisecond,
		DetachGrace:  10 * time.Millisecond,
	}
}

func TestDetectResolvesWhenOnlyNoise(t *testing.T) {
	session := newFakeSession("agent-1")
	opts := testOptions()

	// Control sequences, title updates and blank lines never reset the timer.
	go func() {
		for i := 0; i < 5; i++ {
			session.lines <- "\x1b[2K\x1b[1G"
			session.lines <- "\x1b]0;agent running\x07"
			session.lines <- "   "
			time.Sleep(20 * time.Millisecond)
		}
	}()

	start := time.Now()
	result, err := Detect(context.Background(), session, opts)
	require.NoError(t, err)
	assert.True(t, session.wasDetached())
	assert.GreaterOrEqual(t, time.Since(start), opts.IdleTimeout)
	assert.GreaterOrEqual(t, result.Elapsed, opts.IdleTimeout)
}

func TestDetectRealActivityResetsTimer(t *testing.T) {
	session := newFakeSession("agent-1")
	opts := testOptions()

	activityAt := 60 * time.Millisecond
	go func() {
		time.Sleep(activityAt)
		session.lines <- "echo hi"
	}()

	start := time.Now()
	_, err := Detect(context.Background(), session, opts)
	require.NoError(t, err)

	// The quiet period restarts at the activity, so resolution happens at
	// least idleTimeout after it, not after t=0.
	assert.GreaterOrEqual(t, time.Since(start), activityAt+opts.IdleTimeout)
}

func TestDetectSessionNotFound(t *testing.T) {
	session := newFakeSession("gone")
	session.existing = false
	opts := testOptions()

	_, err := Detect(context.Background(), session, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestDetectPrematureExitRejectsEvenOnCleanExit(t *testing.T) {
	session := newFakeSession("agent-1")
	opts := testOptions()
	opts.MinRuntime = time.Second

	go func() {
		time.Sleep(20 * time.Millisecond)
		session.exited <- ExitStatus{Code: 0}
	}()

	_, err := Detect(context.Background(), session, opts)
	require.Error(t, err)
	var premature *domain.PrematureExitError
	require.ErrorAs(t, err, &premature)
	assert.Equal(t, 0, premature.ExitCode)
}

func TestDetectExitAfterFloorStillRejectsWithoutIdle(t *testing.T) {
	session := newFakeSession("agent-1")
	opts := testOptions()
	opts.MinRuntime = 10 * time.Millisecond
	opts.IdleTimeout = time.Second

	go func() {
		time.Sleep(40 * time.Millisecond)
		session.exited <- ExitStatus{Code: 1}
	}()

	_, err := Detect(context.Background(), session, opts)
	require.Error(t, err)
	var premature *domain.PrematureExitError
	assert.False(t, errors.As(err, &premature), "past the floor the error is a plain exit failure")
	assert.Contains(t, err.Error(), "without reaching idle")
}

func TestDetectMaxRuntimeForcesCompletion(t *testing.T) {
	session := newFakeSession("agent-1")
	opts := testOptions()
	opts.IdleTimeout = 10 * time.Second
	opts.MaxRuntime = 80 * time.Millisecond

	// Keep producing real output so idle never fires.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case session.lines <- "compiling...":
				time.Sleep(10 * time.Millisecond)
			}
		}
	}()

	result, err := Detect(context.Background(), session, opts)
	require.NoError(t, err)
	assert.True(t, session.wasDetached())
	assert.GreaterOrEqual(t, result.Elapsed, opts.MaxRuntime)
}

func TestDetectCallbackErrorsAreContained(t *testing.T) {
	session := newFakeSession("agent-1")
	opts := testOptions()
	opts.IdleTimeout = 30 * time.Millisecond

	calls := 0
	opts.OnIdle = func() error {
		calls++
		panic("callback exploded")
	}

	result, err := Detect(context.Background(), session, opts)
	require.NoError(t, err, "a panicking callback must not fail the detection")
	require.NotNil(t, result)
	assert.Equal(t, 1, calls)
}

func TestCompilePatternsRejectsInvalidRegex(t *testing.T) {
	_, err := CompilePatterns([]string{"["})
	assert.Error(t, err)

	classifiers, err := CompilePatterns([]string{`^spinner:`})
	require.NoError(t, err)
	assert.True(t, isNoise("spinner: |", append(DefaultClassifiers(), classifiers...)))
	assert.False(t, isNoise("real output", append(DefaultClassifiers(), classifiers...)))
}
