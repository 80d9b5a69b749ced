package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
	"github.com/karl-digi/manaflow-sub006/internal/monitor"
)

// SessionFactory builds the terminal session to watch for a given task run.
// When nil, runs are scheduled without an idle watcher.
type SessionFactory func(ctx context.Context, runID string) monitor.Session

// SetSessionFactory installs the factory used to spawn idle watchers for
// newly scheduled runs. Must be called before the service starts serving.
func (s *Service) SetSessionFactory(f SessionFactory) {
	s.sessions = f
}

// WatchTaskRun attaches an idle monitor to the run's agent session and
// records the terminal status: idle means the agent finished its turn (DONE),
// an exit below the runtime floor or without reaching idle means FAILED.
func (s *Service) WatchTaskRun(ctx context.Context, runID string, session monitor.Session) error {
	if _, err := s.GetTaskRun(ctx, runID); err != nil {
		return err
	}

	extra, err := s.config.LoadIdlePatterns()
	if err != nil {
		return err
	}
	classifiers, err := monitor.CompilePatterns(extra)
	if err != nil {
		return fmt.Errorf("invalid idle patterns: %w", err)
	}

	opts := monitor.Options{
		IdleTimeout:      s.config.IdleTimeout,
		MinRuntime:       s.config.MinRuntime,
		MaxRuntime:       s.config.MaxRuntime,
		ExtraClassifiers: classifiers,
		OnIdle: func() error {
			return s.CompleteTaskRun(ctx, runID, domain.TaskRunStatusDone)
		},
	}

	result, err := monitor.Detect(ctx, session, opts)
	if err != nil {
		var premature *domain.PrematureExitError
		if errors.As(err, &premature) {
			log.Printf("WARN: run %s agent exited after %s (code %d), below the runtime floor",
				runID, premature.Runtime, premature.ExitCode)
		}
		if cerr := s.CompleteTaskRun(ctx, runID, domain.TaskRunStatusFailed); cerr != nil {
			log.Printf("ERROR: failed to mark run %s failed: %v", runID, cerr)
		}
		return err
	}

	log.Printf("INFO: run %s went idle after %s", runID, result.Elapsed.Round(time.Millisecond))
	return nil
}

// watchRun is the goroutine body spawned for each scheduled run when a
// session factory is installed.
func (s *Service) watchRun(ctx context.Context, runID string) {
	session := s.sessions(ctx, runID)
	if err := s.WatchTaskRun(ctx, runID, session); err != nil {
		log.Printf("WARN: idle watch for run %s ended: %v", runID, err)
	}
}
