package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
)

// ForceWake resolves the sandbox behind a task run, authorizes the caller
// against its stored ownership metadata, resumes it and polls readiness.
func (s *Service) ForceWake(ctx context.Context, taskRunID string, caller domain.CallerIdentity) (*domain.WakeResult, error) {
	run, err := s.store.GetTaskRun(ctx, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("task run %s: %w", taskRunID, domain.ErrNotFound)
	}

	handle, err := s.store.GetSandboxByTaskRun(ctx, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox: %w", err)
	}
	if handle == nil {
		return nil, fmt.Errorf("no sandbox for task run %s: %w", taskRunID, domain.ErrNotFound)
	}

	result, err := s.sandboxes.Wake(ctx, handle, caller)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateSandboxStatus(ctx, handle.SandboxID, domain.SandboxStatusReady); err != nil {
		log.Printf("ERROR: failed to update sandbox %s status: %v", handle.SandboxID, err)
	}
	return result, nil
}

// RunSweep pauses ready sandboxes older than the configured age threshold.
// It is invoked from the maintenance ticker; overlapping invocations are
// harmless since pausing a paused instance is a no-op.
func (s *Service) RunSweep(ctx context.Context) domain.SweepStats {
	return s.sandboxes.SweepAndPause(ctx, time.Duration(s.config.SweepAgeThresholdHours)*time.Hour)
}
