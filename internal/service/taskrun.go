package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
	"github.com/karl-digi/manaflow-sub006/internal/sandbox"
)

// ScheduleRequest asks for a new candidate agent run.
type ScheduleRequest struct {
	ParentRunID string            `json:"parent_run_id,omitempty"`
	UserID      string            `json:"user_id"`
	TeamID      string            `json:"team_id"`
	DedupKey    string            `json:"dedup_key,omitempty"`
	Template    string            `json:"template"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ScheduleTaskRun creates a task run and provisions its sandbox. The dedup
// key admits at most one active execution: a second request for the same key
// fails before anything is provisioned.
func (s *Service) ScheduleTaskRun(ctx context.Context, req ScheduleRequest) (*domain.TaskRun, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.TeamID == "" {
		return nil, fmt.Errorf("team_id is required")
	}

	if req.DedupKey != "" {
		existing, err := s.store.GetActiveRunByDedupKey(ctx, req.DedupKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check dedup key: %w", err)
		}
		if existing != nil {
			return nil, fmt.Errorf("dedup key %q held by run %s: %w", req.DedupKey, existing.RunID, domain.ErrDuplicateExecution)
		}
	}

	runID := "run_" + uuid.New().String()[:8]
	run := &domain.TaskRun{
		RunID:       runID,
		ParentRunID: req.ParentRunID,
		UserID:      req.UserID,
		TeamID:      req.TeamID,
		Status:      domain.TaskRunStatusCreated,
		DedupKey:    req.DedupKey,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateTaskRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create task run: %w", err)
	}

	handle, err := s.sandboxes.Start(ctx, sandbox.Spec{Template: req.Template, Metadata: req.Metadata},
		domain.CallerIdentity{UserID: req.UserID, TeamID: req.TeamID, TaskRunID: runID})
	if err != nil {
		if uerr := s.store.UpdateTaskRunStatus(ctx, runID, domain.TaskRunStatusFailed, timePtr(time.Now())); uerr != nil {
			log.Printf("ERROR: failed to mark run %s failed: %v", runID, uerr)
		}
		return nil, fmt.Errorf("failed to provision sandbox for run %s: %w", runID, err)
	}
	if err := s.store.CreateSandbox(ctx, handle); err != nil {
		return nil, fmt.Errorf("failed to store sandbox handle: %w", err)
	}
	if err := s.store.UpdateTaskRunSandbox(ctx, runID, handle.SandboxID); err != nil {
		return nil, fmt.Errorf("failed to link sandbox to run %s: %w", runID, err)
	}

	run.SandboxID = handle.SandboxID
	run.Status = domain.TaskRunStatusRunning
	if err := s.store.UpdateTaskRunStatus(ctx, runID, domain.TaskRunStatusRunning, nil); err != nil {
		log.Printf("ERROR: failed to update run %s status: %v", runID, err)
	}

	if s.sessions != nil {
		// The watcher outlives the request.
		go s.watchRun(context.Background(), runID)
	}
	return run, nil
}

// GetTaskRun retrieves a task run.
func (s *Service) GetTaskRun(ctx context.Context, runID string) (*domain.TaskRun, error) {
	run, err := s.store.GetTaskRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("task run %s: %w", runID, domain.ErrNotFound)
	}
	return run, nil
}

// AttachContainer records the container backing a run, reported by the
// bridge once the agent process is placed. The reaper resolves containers
// through this reference.
func (s *Service) AttachContainer(ctx context.Context, runID, containerRef string) error {
	if containerRef == "" {
		return fmt.Errorf("container_ref is required")
	}
	if _, err := s.GetTaskRun(ctx, runID); err != nil {
		return err
	}
	if err := s.store.UpdateTaskRunContainer(ctx, runID, containerRef); err != nil {
		return fmt.Errorf("failed to record container for run %s: %w", runID, err)
	}
	return nil
}

// CompleteTaskRun records the terminal status of a run once its agent is
// done (idle detected) or has failed.
func (s *Service) CompleteTaskRun(ctx context.Context, runID string, status domain.TaskRunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	run, err := s.GetTaskRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		// Idempotent: the first terminal transition wins.
		return nil
	}
	return s.store.UpdateTaskRunStatus(ctx, runID, status, timePtr(time.Now()))
}

func timePtr(t time.Time) *time.Time { return &t }
