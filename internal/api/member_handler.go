package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/concord/internal/auth"
	"github.com/victorivanov/concord/internal/service"
)

// MemberHandler handles member endpoints.
type MemberHandler struct {
	service *service.MemberService
}

// NewMemberHandler creates a MemberHandler.
func NewMemberHandler(svc *service.MemberService) *MemberHandler {
	return &MemberHandler{service: svc}
}

// ListMembers handles GET /api/v1/servers/:id/members.
func (h *MemberHandler) ListMembers(c echo.Context) error {
	serverID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid server ID")
	}

	members, err := h.service.ListMembers(c.Request().Context(), serverID, auth.GetUserID(c))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, members)
}

type updateMemberRolesRequest struct {
	Roles []string `json:"roles"`
}

// UpdateRoles handles PUT /api/v1/servers/:id/members/:user_id/roles.
func (h *MemberHandler) UpdateRoles(c echo.Context) error {
	serverID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid server ID")
	}
	userID, ok := paramID(c, "user_id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid user ID")
	}

	var req updateMemberRolesRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	roleIDs, ok := parseIDs(req.Roles)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid role ID")
	}

	member, err := h.service.UpdateMemberRoles(c.Request().Context(), serverID, auth.GetUserID(c), userID, roleIDs)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, member)
}

// KickMember handles DELETE /api/v1/servers/:id/members/:user_id.
func (h *MemberHandler) KickMember(c echo.Context) error {
	serverID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid server ID")
	}
	userID, ok := paramID(c, "user_id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid user ID")
	}

	if err := h.service.KickMember(c.Request().Context(), serverID, auth.GetUserID(c), userID); err != nil {
		return mapServiceError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

// LeaveServer handles DELETE /api/v1/servers/:id/members/@me.
func (h *MemberHandler) LeaveServer(c echo.Context) error {
	serverID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid server ID")
	}

	if err := h.service.LeaveServer(c.Request().Context(), serverID, auth.GetUserID(c)); err != nil {
		return mapServiceError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}
