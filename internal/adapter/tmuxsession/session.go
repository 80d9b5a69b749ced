// Package tmuxsession adapts a tmux session to the monitor's Session
// interface by polling the tmux CLI. The target pane must run with
// remain-on-exit so the exit status stays readable after the process dies.
package tmuxsession

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/karl-digi/manaflow-sub006/internal/monitor"
)

const defaultPollInterval = 250 * time.Millisecond

// Session polls one tmux session for output and process exit.
type Session struct {
	name     string
	binary   string
	interval time.Duration

	lines  chan string
	exited chan monitor.ExitStatus

	// seen counts history lines already emitted.
	seen int
}

// New creates a session poller for the named tmux session. Run must be
// called before the Lines and Exited channels produce anything.
func New(name string) *Session {
	return &Session{
		name:     name,
		binary:   "tmux",
		interval: defaultPollInterval,
		lines:    make(chan string, 256),
		exited:   make(chan monitor.ExitStatus, 1),
	}
}

func (s *Session) Name() string { return s.name }

// Exists reports whether the tmux session is attachable.
func (s *Session) Exists(ctx context.Context) (bool, error) {
	_, err := s.run(ctx, "has-session", "-t", s.name)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Session) Lines() <-chan string { return s.lines }

func (s *Session) Exited() <-chan monitor.ExitStatus { return s.exited }

// Detach detaches every client attached to the session.
func (s *Session) Detach(ctx context.Context) error {
	_, err := s.run(ctx, "detach-client", "-s", s.name)
	return err
}

// Run polls the session until the pane process exits or ctx is cancelled,
// forwarding new output lines as they appear. It closes both channels on
// return.
func (s *Session) Run(ctx context.Context) {
	defer close(s.lines)
	defer close(s.exited)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		dead, code, err := s.paneState(ctx)
		if err != nil {
			// Session gone entirely; report a clean exit.
			s.exited <- monitor.ExitStatus{Code: 0}
			return
		}

		s.forwardNewLines(ctx)

		if dead {
			s.exited <- monitor.ExitStatus{Code: code}
			return
		}
	}
}

// paneState reads whether the pane process has died and with what status.
func (s *Session) paneState(ctx context.Context) (dead bool, code int, err error) {
	out, err := s.run(ctx, "display-message", "-p", "-t", s.name, "#{pane_dead},#{pane_dead_status}")
	if err != nil {
		return false, 0, err
	}
	parts := strings.SplitN(strings.TrimSpace(out), ",", 2)
	if parts[0] != "1" {
		return false, 0, nil
	}
	if len(parts) == 2 {
		if n, perr := strconv.Atoi(parts[1]); perr == nil {
			code = n
		}
	}
	return true, code, nil
}

// forwardNewLines captures the full pane history and emits lines not yet
// seen. Dropped lines (full channel) are skipped rather than blocking the
// poll loop.
func (s *Session) forwardNewLines(ctx context.Context) {
	out, err := s.run(ctx, "capture-pane", "-p", "-t", s.name, "-S", "-")
	if err != nil {
		return
	}
	all := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(all) <= s.seen {
		return
	}
	for _, line := range all[s.seen:] {
		select {
		case s.lines <- line:
		default:
		}
	}
	s.seen = len(all)
}

func (s *Session) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return stdout.String(), nil
}
