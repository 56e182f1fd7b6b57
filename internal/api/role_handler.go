package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/concord/internal/auth"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/service"
)

// RoleHandler handles role endpoints.
type RoleHandler struct {
	service *service.RoleService
}

// NewRoleHandler creates a RoleHandler.
func NewRoleHandler(svc *service.RoleService) *RoleHandler {
	return &RoleHandler{service: svc}
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Color       string   `json:"color"`
	Permissions []string `json:"permissions"`
	Position    *int     `json:"position"`
}

// CreateRole handles POST /api/v1/servers/:id/roles.
func (h *RoleHandler) CreateRole(c echo.Context) error {
	serverID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid server id")
	}

	var req createRoleRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	role, err := h.service.CreateRole(c.Request().Context(), serverID, auth.GetUserID(c), service.CreateRoleParams{
		Name:        req.Name,
		Color:       req.Color,
		Permissions: req.Permissions,
		Position:    req.Position,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, role)
}

// ListRoles handles GET /api/v1/servers/:id/roles.
func (h *RoleHandler) ListRoles(c echo.Context) error {
	serverID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid server id")
	}

	roles, err := h.service.ListRoles(c.Request().Context(), serverID, auth.GetUserID(c))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, roles)
}

type updateRoleRequest struct {
	Name        *string  `json:"name,omitempty"`
	Color       *string  `json:"color,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Position    *int     `json:"position,omitempty"`
}

// UpdateRole handles PATCH /api/v1/servers/:id/roles/:role_id.
func (h *RoleHandler) UpdateRole(c echo.Context) error {
	serverID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid server id")
	}
	roleID, ok := paramID(c, "role_id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid role id")
	}

	var req updateRoleRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	role, err := h.service.UpdateRole(c.Request().Context(), serverID, auth.GetUserID(c), roleID, service.UpdateRoleParams{
		Name:        req.Name,
		Color:       req.Color,
		Permissions: req.Permissions,
		Position:    req.Position,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, role)
}

// UpdateRolePositions handles PATCH /api/v1/servers/:id/roles.
func (h *RoleHandler) UpdateRolePositions(c echo.Context) error {
	serverID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid server id")
	}

	var req []models.RolePosition
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	if len(req) == 0 {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "at least one position is required")
	}

	roles, err := h.service.UpdateRolePositions(c.Request().Context(), serverID, auth.GetUserID(c), req)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, roles)
}

// DeleteRole handles DELETE /api/v1/servers/:id/roles/:role_id.
func (h *RoleHandler) DeleteRole(c echo.Context) error {
	serverID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid server id")
	}
	roleID, ok := paramID(c, "role_id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid role id")
	}

	if err := h.service.DeleteRole(c.Request().Context(), serverID, auth.GetUserID(c), roleID); err != nil {
		return mapServiceError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}
