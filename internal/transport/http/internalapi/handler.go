// Package internalapi provides HTTP handlers for internal orchestrator APIs.
// These APIs are only accessible to agent bridge processes.
package internalapi

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
	"github.com/karl-digi/manaflow-sub006/internal/service"
)

// Handler handles internal HTTP requests from agent bridges.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/internal/acp/events", h.IngestEvents)
	e.POST("/internal/task_runs/:run_id/container", h.AttachContainer)
}

// IngestEvents accepts one bridge payload of sequenced protocol events.
// POST /internal/acp/events
//
// Ingestion is best-effort: a payload the ingestor cannot parse is dropped
// inside the ingestor, and the bridge always gets a 202 unless the store
// itself failed. The bridge must never block on this call.
func (h *Handler) IngestEvents(c echo.Context) error {
	var payload domain.BridgePayload
	if err := c.Bind(&payload); err != nil {
		log.Printf("WARN: dropping unparseable bridge payload: %v", err)
		return c.JSON(http.StatusAccepted, map[string]string{"status": "dropped"})
	}

	if err := h.service.IngestBridgePayload(c.Request().Context(), &payload); err != nil {
		log.Printf("ERROR: failed to ingest bridge payload: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "ingestion failed"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// attachContainerRequest reports the container placed for a run.
type attachContainerRequest struct {
	ContainerRef string `json:"container_ref"`
}

// AttachContainer records the container backing a task run.
// POST /internal/task_runs/:run_id/container
func (h *Handler) AttachContainer(c echo.Context) error {
	var req attachContainerRequest
	if err := c.Bind(&req); err != nil || req.ContainerRef == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "container_ref is required"})
	}

	runID := c.Param("run_id")
	if err := h.service.AttachContainer(c.Request().Context(), runID, req.ContainerRef); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "recorded"})
}
