package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
	"github.com/karl-digi/manaflow-sub006/policy"
)

// Manager starts, resumes, authorizes and pauses sandboxes against one
// provider.
type Manager struct {
	provider Provider
	policy   *policy.Engine

	pollInterval  time.Duration
	readyDeadline time.Duration
}

// NewManager creates a lifecycle manager.
func NewManager(provider Provider, engine *policy.Engine, pollInterval, readyDeadline time.Duration) *Manager {
	return &Manager{
		provider:      provider,
		policy:        engine,
		pollInterval:  pollInterval,
		readyDeadline: readyDeadline,
	}
}

// Start provisions a new sandbox from a template and returns its handle.
func (m *Manager) Start(ctx context.Context, spec Spec, owner domain.CallerIdentity) (*domain.SandboxHandle, error) {
	inst, err := m.provider.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}
	return &domain.SandboxHandle{
		SandboxID:  "sbx_" + uuid.New().String()[:8],
		Provider:   m.provider.Name(),
		InstanceID: inst.ID,
		Status:     inst.Status,
		UserID:     owner.UserID,
		TeamID:     owner.TeamID,
		TaskRunID:  owner.TaskRunID,
		CreatedAt:  time.Now(),
	}, nil
}

// Resume brings an instance back to ready. It is idempotent: an instance that
// is already ready is a no-op reported as such.
func (m *Manager) Resume(ctx context.Context, instanceID string) (domain.WakeOutcome, error) {
	inst, err := m.provider.Get(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst.Status == domain.SandboxStatusReady {
		return domain.WakeOutcomeAlreadyReady, nil
	}
	if err := m.provider.Resume(ctx, instanceID); err != nil {
		return "", &domain.ResumeError{InstanceID: instanceID, Err: err}
	}
	return domain.WakeOutcomeResumed, nil
}

// Authorize compares the caller against the handle's stored ownership
// metadata. Fail-closed: any present field that mismatches denies, and so
// does the absence of every ownership field.
func (m *Manager) Authorize(ctx context.Context, handle *domain.SandboxHandle, caller domain.CallerIdentity) error {
	input := policy.OwnershipInput{
		Caller:   identityMap(caller.UserID, caller.TeamID, caller.TaskRunID),
		Metadata: identityMap(handle.UserID, handle.TeamID, handle.TaskRunID),
	}
	allowed, reason, err := m.policy.Authorize(ctx, input)
	if err != nil {
		return fmt.Errorf("ownership check failed: %w", err)
	}
	if !allowed {
		return &domain.ForbiddenError{Reason: reason}
	}
	return nil
}

// Wake authorizes the caller, resumes the instance behind the handle and
// polls until it is ready.
func (m *Manager) Wake(ctx context.Context, handle *domain.SandboxHandle, caller domain.CallerIdentity) (*domain.WakeResult, error) {
	if err := m.Authorize(ctx, handle, caller); err != nil {
		return nil, err
	}

	outcome, err := m.Resume(ctx, handle.InstanceID)
	if err != nil {
		return nil, err
	}
	if outcome == domain.WakeOutcomeAlreadyReady {
		return &domain.WakeResult{Outcome: outcome, InstanceID: handle.InstanceID}, nil
	}

	if err := m.WaitReady(ctx, handle.InstanceID); err != nil {
		return nil, err
	}
	return &domain.WakeResult{Outcome: domain.WakeOutcomeResumed, InstanceID: handle.InstanceID}, nil
}

// WaitReady polls the instance at a fixed interval until it reports ready or
// the overall deadline elapses. The three failure shapes stay distinct:
// domain.ErrNotFound (instance disappeared), domain.ErrReadinessTimeout
// (deadline exceeded) and a wrapped provider error (polling itself failed).
func (m *Manager) WaitReady(ctx context.Context, instanceID string) error {
	deadline := time.Now().Add(m.readyDeadline)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		inst, err := m.provider.Get(ctx, instanceID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("instance %s: %w", instanceID, domain.ErrNotFound)
			}
			return fmt.Errorf("failed to poll instance %s: %w", instanceID, err)
		}
		if inst.Status == domain.SandboxStatusReady {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("instance %s not ready after %s: %w", instanceID, m.readyDeadline, domain.ErrReadinessTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepAndPause pauses every ready sandbox older than the age threshold.
// Instances are paused sequentially to stay under provider rate limits, and
// individual failures do not stop the sweep.
func (m *Manager) SweepAndPause(ctx context.Context, olderThan time.Duration) domain.SweepStats {
	var stats domain.SweepStats

	instances, err := m.provider.List(ctx)
	if err != nil {
		log.Printf("ERROR: sweep failed to list sandboxes: %v", err)
		return stats
	}

	cutoff := time.Now().Add(-olderThan)
	for _, inst := range instances {
		if inst.Status != domain.SandboxStatusReady || inst.CreatedAt.After(cutoff) {
			continue
		}
		stats.Scanned++
		if err := m.provider.Pause(ctx, inst.ID); err != nil {
			stats.Failed++
			log.Printf("WARN: sweep failed to pause instance %s: %v", inst.ID, err)
			continue
		}
		stats.Paused++
	}

	log.Printf("INFO: sweep paused %d/%d sandboxes (%d failed)", stats.Paused, stats.Scanned, stats.Failed)
	return stats
}

func identityMap(userID, teamID, taskRunID string) map[string]string {
	fields := map[string]string{}
	if userID != "" {
		fields["user_id"] = userID
	}
	if teamID != "" {
		fields["team_id"] = teamID
	}
	if taskRunID != "" {
		fields["task_run_id"] = taskRunID
	}
	return fields
}
