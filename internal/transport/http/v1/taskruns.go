package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
	"github.com/karl-digi/manaflow-sub006/internal/service"
)

// ScheduleTaskRun creates a task run and provisions its sandbox.
// POST /v1/task_runs
func (h *Handler) ScheduleTaskRun(c echo.Context) error {
	var req service.ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.service.ScheduleTaskRun(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// GetTaskRun retrieves a task run.
// GET /v1/task_runs/:run_id
func (h *Handler) GetTaskRun(c echo.Context) error {
	run, err := h.service.GetTaskRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// forceWakeRequest is the force-wake boundary request. The identity fields
// are already resolved upstream; this layer only performs authorization
// checks against stored ownership metadata.
type forceWakeRequest struct {
	UserID string `json:"user_id"`
	TeamID string `json:"team_id"`
}

// ForceWake resumes the sandbox behind a task run.
// POST /v1/task_runs/:run_id/force_wake
func (h *Handler) ForceWake(c echo.Context) error {
	runID := c.Param("run_id")

	var req forceWakeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	caller := domain.CallerIdentity{
		UserID:    req.UserID,
		TeamID:    req.TeamID,
		TaskRunID: runID,
	}
	result, err := h.service.ForceWake(c.Request().Context(), runID, caller)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ReapTaskRunTree stops every container under a task-run tree.
// POST /v1/task_runs/:run_id/reap
func (h *Handler) ReapTaskRunTree(c echo.Context) error {
	results, err := h.service.ReapTaskRunTree(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"results": results,
	})
}
