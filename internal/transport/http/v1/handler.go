// Package v1 provides the external HTTP handlers for the orchestrator.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
	"github.com/karl-digi/manaflow-sub006/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/task_runs", h.ScheduleTaskRun)
	e.GET("/v1/task_runs/:run_id", h.GetTaskRun)
	e.POST("/v1/task_runs/:run_id/force_wake", h.ForceWake)
	e.POST("/v1/task_runs/:run_id/reap", h.ReapTaskRunTree)

	e.GET("/v1/sessions/:session_id/conversation", h.GetConversation)
	e.GET("/v1/conversations/:conversation_id/messages", h.GetConversationMessages)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorResponse maps domain errors to status classes: missing resources are
// 404, authorization failures 403, provider resume failures 502 and
// readiness timeouts 504.
func errorResponse(c echo.Context, err error) error {
	var forbidden *domain.ForbiddenError
	var resumeErr *domain.ResumeError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &forbidden):
		return c.JSON(http.StatusForbidden, map[string]string{"error": forbidden.Reason})
	case errors.As(err, &resumeErr):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrReadinessTimeout):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrDuplicateExecution):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
