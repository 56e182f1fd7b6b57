package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/concord/internal/auth"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/permissions"
	"github.com/victorivanov/concord/internal/service"
)

// ChannelHandler handles channel creation, permission overrides and DMs.
type ChannelHandler struct {
	channels *service.ChannelService
	servers  *service.ServerService
}

// NewChannelHandler creates a ChannelHandler.
func NewChannelHandler(channels *service.ChannelService, servers *service.ServerService) *ChannelHandler {
	return &ChannelHandler{channels: channels, servers: servers}
}

type createChannelRequest struct {
	Name      string                      `json:"name"`
	Type      models.ChannelType          `json:"type"`
	ParentID  *int64                      `json:"parent_id,string"`
	Overrides []models.PermissionOverride `json:"permission_overrides"`
}

// CreateChannel handles POST /api/v1/servers/:id/channels.
func (h *ChannelHandler) CreateChannel(c echo.Context) error {
	serverID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid server ID")
	}

	var req createChannelRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	channel, err := h.servers.CreateChannel(c.Request().Context(), serverID, auth.GetUserID(c), service.CreateChannelParams{
		Name:      req.Name,
		Type:      req.Type,
		ParentID:  req.ParentID,
		Overrides: req.Overrides,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, channel)
}

// GetOverrides handles GET /api/v1/channels/:id/permissions.
func (h *ChannelHandler) GetOverrides(c echo.Context) error {
	channelID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid channel ID")
	}

	overrides, err := h.channels.GetOverrides(c.Request().Context(), channelID, auth.GetUserID(c))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, overrides)
}

type updateOverridesRequest struct {
	Overrides []models.PermissionOverride `json:"permission_overrides"`
}

// UpdateOverrides handles PUT /api/v1/channels/:id/permissions. The body
// replaces the channel's whole override list.
func (h *ChannelHandler) UpdateOverrides(c echo.Context) error {
	channelID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid channel ID")
	}

	var req updateOverridesRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	overrides, err := h.channels.UpdateOverrides(c.Request().Context(), channelID, auth.GetUserID(c), req.Overrides)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, overrides)
}

type myPermissionsResponse struct {
	ChannelID   int64                  `json:"channel_id,string"`
	Permissions permissions.Permission `json:"permissions"`
}

// MyPermissions handles GET /api/v1/channels/:id/permissions/@me.
func (h *ChannelHandler) MyPermissions(c echo.Context) error {
	channelID, ok := paramID(c, "id")
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "INVALID_ID", "invalid channel ID")
	}

	perms, err := h.channels.MyPermissions(c.Request().Context(), channelID, auth.GetUserID(c))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, myPermissionsResponse{ChannelID: channelID, Permissions: perms})
}

type openDMRequest struct {
	RecipientID int64 `json:"recipient_id,string"`
}

// OpenDM handles POST /api/v1/users/@me/channels.
func (h *ChannelHandler) OpenDM(c echo.Context) error {
	var req openDMRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	channel, err := h.channels.OpenDM(c.Request().Context(), auth.GetUserID(c), req.RecipientID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, channel)
}
