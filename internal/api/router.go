package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/concord/internal/auth"
	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/redis"
)

// Dependencies holds all handler instances and middleware for route wiring.
type Dependencies struct {
	Servers  *ServerHandler
	Channels *ChannelHandler
	Members  *MemberHandler
	Roles    *RoleHandler
	Messages *MessageHandler
	Gateway  *gateway.Manager

	TokenService *auth.TokenService
	Redis        *redis.Client
}

// SetupRouter registers all API routes on the Echo instance.
func SetupRouter(e *echo.Echo, deps *Dependencies) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// WebSocket gateway
	e.GET("/gateway", deps.Gateway.HandleWebSocket)

	v1 := e.Group("/api/v1")

	// Protected routes: JWT auth + per-user rate limit
	protected := v1.Group("", deps.TokenService.Middleware(),
		RateLimitMiddleware(deps.Redis, generalPolicy),
	)
	permWrite := RateLimitMiddleware(deps.Redis, permissionWritePolicy)

	// Servers
	protected.POST("/servers", deps.Servers.CreateServer)
	protected.POST("/servers/:id/channels", deps.Channels.CreateChannel)

	// Roles
	protected.GET("/servers/:id/roles", deps.Roles.ListRoles)
	protected.POST("/servers/:id/roles", deps.Roles.CreateRole, permWrite)
	protected.PATCH("/servers/:id/roles", deps.Roles.UpdateRolePositions, permWrite)
	protected.PATCH("/servers/:id/roles/:role_id", deps.Roles.UpdateRole, permWrite)
	protected.DELETE("/servers/:id/roles/:role_id", deps.Roles.DeleteRole, permWrite)

	// Members
	protected.GET("/servers/:id/members", deps.Members.ListMembers)
	protected.PUT("/servers/:id/members/:user_id/roles", deps.Members.UpdateRoles, permWrite)
	protected.DELETE("/servers/:id/members/@me", deps.Members.LeaveServer)
	protected.DELETE("/servers/:id/members/:user_id", deps.Members.KickMember)

	// Channel permission overrides
	protected.GET("/channels/:id/permissions", deps.Channels.GetOverrides)
	protected.PUT("/channels/:id/permissions", deps.Channels.UpdateOverrides, permWrite)
	protected.GET("/channels/:id/permissions/@me", deps.Channels.MyPermissions)

	// Direct messages
	protected.POST("/users/@me/channels", deps.Channels.OpenDM)

	// Messages
	protected.POST("/channels/:id/messages", deps.Messages.SendMessage)
}
