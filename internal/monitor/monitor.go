// Package monitor watches an agent's terminal-multiplexer session and
// declares the agent idle after a quiet period of real output.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
)

// ExitStatus reports the exit of the session-owning process.
type ExitStatus struct {
	Code int
}

// Session is an already-created terminal-multiplexer session. The monitor
// never creates sessions; it only attaches to one that exists.
type Session interface {
	Name() string
	// Exists reports whether the named session is attachable yet.
	Exists(ctx context.Context) (bool, error)
	// Lines streams raw output lines. The channel stays open for the life
	// of the session.
	Lines() <-chan string
	// Detach sends the detach sequence to the session.
	Detach(ctx context.Context) error
	// Exited delivers the process exit status. At most one value is sent.
	Exited() <-chan ExitStatus
}

// Options configures one idle detection run.
type Options struct {
	IdleTimeout time.Duration
	// MinRuntime is the floor below which a process exit is treated as a
	// failed start, independent of exit code.
	MinRuntime time.Duration
	// MaxRuntime forces completion if the agent never goes idle.
	MaxRuntime time.Duration
	// ExtraClassifiers are appended after the defaults.
	ExtraClassifiers []Classifier
	// OnIdle is invoked once idle is detected. Panics and errors inside
	// the callback are logged, never propagated.
	OnIdle func() error

	ReadyRetries int
	ReadyDelay   time.Duration
	// DetachGrace is how long output is swallowed after detaching, so the
	// detach echo does not count as activity.
	DetachGrace time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReadyRetries == 0 {
		o.ReadyRetries = 10
	}
	if o.ReadyDelay == 0 {
		o.ReadyDelay = 250 * time.Millisecond
	}
	if o.DetachGrace == 0 {
		o.DetachGrace = 500 * time.Millisecond
	}
}

// Result is returned when idle is detected.
type Result struct {
	Elapsed time.Duration
}

// Detect attaches to the session and resolves once the agent has produced no
// real output for opts.IdleTimeout. It rejects if the session never appears,
// or if the process exits before reaching idle.
func Detect(ctx context.Context, session Session, opts Options) (*Result, error) {
	opts.applyDefaults()

	if err := waitForSession(ctx, session, opts); err != nil {
		return nil, err
	}

	classifiers := append(DefaultClassifiers(), opts.ExtraClassifiers...)

	start := time.Now()
	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	var maxRuntime <-chan time.Time
	if opts.MaxRuntime > 0 {
		t := time.NewTimer(opts.MaxRuntime)
		defer t.Stop()
		maxRuntime = t.C
	}

	lines := session.Lines()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case line, ok := <-lines:
			if !ok {
				// Output stream ended without an exit status; wait
				// for the exit channel or a timer.
				lines = nil
				continue
			}
			if isNoise(line, classifiers) {
				continue
			}
			// Real activity: restart the quiet period.
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(opts.IdleTimeout)

		case status := <-session.Exited():
			runtime := time.Since(start)
			if runtime < opts.MinRuntime {
				return nil, &domain.PrematureExitError{ExitCode: status.Code, Runtime: runtime}
			}
			return nil, fmt.Errorf("session %q: process exited (code %d) after %s without reaching idle",
				session.Name(), status.Code, runtime.Round(time.Millisecond))

		case <-idle.C:
			return finish(ctx, session, opts, start)

		case <-maxRuntime:
			log.Printf("WARN: session %q hit max runtime %s without going idle, forcing completion",
				session.Name(), opts.MaxRuntime)
			return finish(ctx, session, opts, start)
		}
	}
}

// waitForSession polls session readiness with bounded retries.
func waitForSession(ctx context.Context, session Session, opts Options) error {
	for i := 0; i < opts.ReadyRetries; i++ {
		ok, err := session.Exists(ctx)
		if err != nil {
			return fmt.Errorf("failed to check session %q: %w", session.Name(), err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.ReadyDelay):
		}
	}
	return fmt.Errorf("session %q after %d attempts: %w", session.Name(), opts.ReadyRetries, domain.ErrSessionNotFound)
}

// finish detaches, swallows the detach echo for a grace period, runs the
// completion callback and resolves with elapsed time.
func finish(ctx context.Context, session Session, opts Options, start time.Time) (*Result, error) {
	if err := session.Detach(ctx); err != nil {
		log.Printf("WARN: failed to detach from session %q: %v", session.Name(), err)
	}

	grace := time.NewTimer(opts.DetachGrace)
	defer grace.Stop()
	lines, exited := session.Lines(), session.Exited()
drain:
	for {
		select {
		case <-ctx.Done():
			break drain
		case _, ok := <-lines:
			// Detach echo, ignored.
			if !ok {
				lines = nil
			}
		case _, ok := <-exited:
			// Already past idle: a post-detach exit is fine.
			if !ok {
				exited = nil
			}
		case <-grace.C:
			break drain
		}
	}

	elapsed := time.Since(start)
	runOnIdle(session.Name(), opts.OnIdle)
	return &Result{Elapsed: elapsed}, nil
}

// runOnIdle invokes the callback, containing errors and panics.
func runOnIdle(sessionName string, onIdle func() error) {
	if onIdle == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: idle callback for session %q panicked: %v", sessionName, r)
		}
	}()
	if err := onIdle(); err != nil {
		log.Printf("ERROR: idle callback for session %q failed: %v", sessionName, err)
	}
}
