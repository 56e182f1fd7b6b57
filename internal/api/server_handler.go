package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/concord/internal/auth"
	"github.com/victorivanov/concord/internal/service"
)

// ServerHandler handles server creation.
type ServerHandler struct {
	service *service.ServerService
}

// NewServerHandler creates a ServerHandler.
func NewServerHandler(svc *service.ServerService) *ServerHandler {
	return &ServerHandler{service: svc}
}

type createServerRequest struct {
	Name string `json:"name"`
}

// CreateServer handles POST /api/v1/servers.
func (h *ServerHandler) CreateServer(c echo.Context) error {
	var req createServerRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	server, err := h.service.CreateServer(c.Request().Context(), auth.GetUserID(c), req.Name)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, server)
}
