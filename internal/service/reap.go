package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
)

// ReapTaskRunTree stops the containers of every node under the given root
// and applies the per-node outcomes to stored run statuses. Nodes whose
// container could not be stopped keep their current status so a re-run can
// pick them up; everything already stopped stays stopped.
func (s *Service) ReapTaskRunTree(ctx context.Context, rootRunID string) ([]domain.StopNodeResult, error) {
	root, err := s.store.GetTaskRun(ctx, rootRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	if root == nil {
		return nil, fmt.Errorf("task run %s: %w", rootRunID, domain.ErrNotFound)
	}

	results := s.reaper.StopTree(ctx, root)

	now := time.Now()
	for _, res := range results {
		if !res.Success {
			log.Printf("WARN: failed to stop container for run %s: %s", res.RunID, res.Error)
			continue
		}
		run, err := s.store.GetTaskRun(ctx, res.RunID)
		if err != nil || run == nil {
			log.Printf("ERROR: failed to reload run %s after reap: %v", res.RunID, err)
			continue
		}
		if run.Status.Terminal() {
			continue
		}
		if err := s.store.UpdateTaskRunStatus(ctx, res.RunID, domain.TaskRunStatusCancelled, &now); err != nil {
			log.Printf("ERROR: failed to update run %s after reap: %v", res.RunID, err)
		}
	}
	return results, nil
}
