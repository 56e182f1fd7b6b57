package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/concord/internal/auth"
	"github.com/victorivanov/concord/internal/service"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service *service.MessageService
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(svc *service.MessageService) *MessageHandler {
	return &MessageHandler{service: svc}
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessage handles POST /api/v1/channels/:id/messages.
func (h *MessageHandler) SendMessage(c echo.Context) error {
	channelID, ok := paramID(c, "id")
	if !ok {
		return Error(c, http.StatusBadRequest, "INVALID_ID", "invalid channel ID")
	}

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return Error(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	msg, err := h.service.SendMessage(c.Request().Context(), channelID, auth.GetUserID(c), req.Content)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, msg)
}
