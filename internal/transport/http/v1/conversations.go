package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// GetConversation retrieves the conversation for a session.
// GET /v1/sessions/:session_id/conversation
func (h *Handler) GetConversation(c echo.Context) error {
	conv, err := h.service.GetConversationBySession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

// GetConversationMessages retrieves messages for a conversation.
// GET /v1/conversations/:conversation_id/messages
func (h *Handler) GetConversationMessages(c echo.Context) error {
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	messages, err := h.service.GetConversationMessages(c.Request().Context(), c.Param("conversation_id"), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}
