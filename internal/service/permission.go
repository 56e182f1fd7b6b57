package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/victorivanov/concord/internal/database"
	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/permissions"
)

const roomResolveConcurrency = 8

// PermissionCache stores computed channel permissions per server generation.
// *redis.Client implements it.
type PermissionCache interface {
	PermissionVersion(ctx context.Context, serverID int64) (int64, error)
	InvalidatePermissions(ctx context.Context, serverID int64) error
	GetPermissions(ctx context.Context, serverID, version, channelID, userID int64) (int64, bool, error)
	SetPermissions(ctx context.Context, serverID, version, channelID, userID, perms int64, ttl time.Duration) error
}

// AuthContext is everything needed to evaluate one member's permissions in a
// server.
type AuthContext struct {
	Server   models.Server
	Member   models.Member
	Roles    []models.Role
	Everyone models.Role
}

// Base returns the member's server-wide permissions.
func (a *AuthContext) Base() permissions.Permission {
	return permissions.ComputeBase(a.Member, a.Roles, a.Everyone)
}

// In returns the member's effective permissions in channel.
func (a *AuthContext) In(channel models.Channel) permissions.Permission {
	return permissions.Compute(a.Member, a.Roles, a.Everyone, channel)
}

// PermissionChecker provides server-level and channel-level permission checks.
type PermissionChecker struct {
	servers  database.ServerRepository
	roles    database.RoleRepository
	members  database.MemberRepository
	channels database.ChannelRepository
	cache    PermissionCache
	cacheTTL time.Duration
}

var _ gateway.RoomResolver = (*PermissionChecker)(nil)

// NewPermissionChecker creates a PermissionChecker. cache may be nil.
func NewPermissionChecker(
	servers database.ServerRepository,
	roles database.RoleRepository,
	members database.MemberRepository,
	channels database.ChannelRepository,
	cache PermissionCache,
	cacheTTL time.Duration,
) *PermissionChecker {
	return &PermissionChecker{
		servers:  servers,
		roles:    roles,
		members:  members,
		channels: channels,
		cache:    cache,
		cacheTTL: cacheTTL,
	}
}

// LoadAuthContext loads the server, the caller's membership and the server's
// roles concurrently.
func (p *PermissionChecker) LoadAuthContext(ctx context.Context, serverID, userID int64) (*AuthContext, error) {
	var (
		server *models.Server
		member *models.Member
		roles  []models.Role
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		server, err = p.servers.GetByID(gctx, serverID)
		return err
	})
	g.Go(func() error {
		var err error
		member, err = p.members.GetByServerAndUser(gctx, serverID, userID)
		return err
	})
	g.Go(func() error {
		var err error
		roles, err = p.roles.GetByServerID(gctx, serverID)
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Error("failed to load auth context", "serverID", serverID, "userID", userID, "error", err)
		return nil, internalError()
	}

	if server == nil {
		return nil, NotFound("UNKNOWN_SERVER", "server not found")
	}
	if member == nil {
		return nil, Forbidden("NOT_MEMBER", "you are not a member of this server")
	}

	auth := &AuthContext{Server: *server, Member: *member, Roles: roles}
	auth.Member.IsOwner = auth.Member.IsOwner || server.OwnerID == userID

	everyone, ok := findRole(roles, server.EveryoneRoleID)
	if !ok {
		return nil, NotFound("UNKNOWN_ROLE", "default role not found")
	}
	auth.Everyone = everyone
	return auth, nil
}

// loadChannel returns the channel or a NotFound error.
func (p *PermissionChecker) loadChannel(ctx context.Context, channelID int64) (*models.Channel, error) {
	channel, err := p.channels.GetByID(ctx, channelID)
	if err != nil {
		slog.Error("failed to load channel", "channelID", channelID, "error", err)
		return nil, internalError()
	}
	if channel == nil {
		return nil, NotFound("UNKNOWN_CHANNEL", "channel not found")
	}
	return channel, nil
}

// EffectivePermissions computes what userID may do in channelID. DM channels
// grant the fixed DM set to recipients and nothing to anyone else.
func (p *PermissionChecker) EffectivePermissions(ctx context.Context, channelID, userID int64) (permissions.Permission, error) {
	channel, err := p.loadChannel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return p.effective(ctx, *channel, userID)
}

func (p *PermissionChecker) effective(ctx context.Context, channel models.Channel, userID int64) (permissions.Permission, error) {
	if channel.IsDM() {
		if !channel.HasRecipient(userID) {
			return 0, Forbidden("NOT_RECIPIENT", "you are not part of this conversation")
		}
		return permissions.DMPermissions, nil
	}
	if channel.ServerID == nil {
		return 0, NotFound("UNKNOWN_SERVER", "server not found")
	}
	serverID := *channel.ServerID

	version, cached := p.cachedPermissions(ctx, serverID, channel.ID, userID)
	if cached != nil {
		return *cached, nil
	}

	auth, err := p.LoadAuthContext(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	perms := auth.In(channel)

	if p.cache != nil && version >= 0 {
		if err := p.cache.SetPermissions(ctx, serverID, version, channel.ID, userID, int64(perms), p.cacheTTL); err != nil {
			slog.Warn("failed to cache permissions", "channelID", channel.ID, "userID", userID, "error", err)
		}
	}
	return perms, nil
}

// cachedPermissions returns the current generation and, on a hit, the cached
// value. A generation of -1 means the cache is unusable right now.
func (p *PermissionChecker) cachedPermissions(ctx context.Context, serverID, channelID, userID int64) (int64, *permissions.Permission) {
	if p.cache == nil {
		return -1, nil
	}
	version, err := p.cache.PermissionVersion(ctx, serverID)
	if err != nil {
		slog.Warn("permission cache unavailable", "serverID", serverID, "error", err)
		return -1, nil
	}
	raw, ok, err := p.cache.GetPermissions(ctx, serverID, version, channelID, userID)
	if err != nil {
		slog.Warn("permission cache read failed", "channelID", channelID, "userID", userID, "error", err)
		return version, nil
	}
	if !ok {
		return version, nil
	}
	perms := permissions.Permission(raw)
	return version, &perms
}

// Invalidate drops every cached permission of a server.
func (p *PermissionChecker) Invalidate(ctx context.Context, serverID int64) {
	if p.cache == nil {
		return
	}
	if err := p.cache.InvalidatePermissions(ctx, serverID); err != nil {
		slog.Error("failed to invalidate permission cache", "serverID", serverID, "error", err)
	}
}

// RequireChannelPermission checks that the user has perm in a channel,
// applying channel overrides on top of role permissions.
func (p *PermissionChecker) RequireChannelPermission(ctx context.Context, channelID, userID int64, perm permissions.Permission) error {
	perms, err := p.EffectivePermissions(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !perms.Has(perm) {
		return Forbidden("MISSING_PERMISSIONS", "you do not have the required permissions")
	}
	return nil
}

// ServerPermissions returns the user's server-wide permissions.
func (p *PermissionChecker) ServerPermissions(ctx context.Context, serverID, userID int64) (permissions.Permission, error) {
	auth, err := p.LoadAuthContext(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	return auth.Base(), nil
}

// RequireServerPermission loads the caller's auth context and checks perm
// against their server-wide permissions. Owners and administrators pass.
func (p *PermissionChecker) RequireServerPermission(ctx context.Context, serverID, userID int64, perm permissions.Permission) (*AuthContext, error) {
	auth, err := p.LoadAuthContext(ctx, serverID, userID)
	if err != nil {
		return nil, err
	}
	if !auth.Base().Has(perm) {
		return nil, Forbidden("MISSING_PERMISSIONS", "you do not have permission to perform this action")
	}
	return auth, nil
}

// AllowedRooms lists every room a new gateway session of userID may join:
// the rooms of its servers, its DM channels and each server channel it can
// view.
func (p *PermissionChecker) AllowedRooms(ctx context.Context, userID int64) ([]string, error) {
	servers, err := p.servers.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	dms, err := p.channels.GetDMsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	perServer := make([][]string, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(roomResolveConcurrency)
	for i, server := range servers {
		i, server := i, server
		g.Go(func() error {
			rooms, err := p.serverRooms(gctx, server.ID, userID)
			if err != nil {
				return err
			}
			perServer[i] = rooms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var rooms []string
	for _, r := range perServer {
		rooms = append(rooms, r...)
	}
	for _, dm := range dms {
		rooms = append(rooms, gateway.ChannelRoom(dm.ID))
	}
	return rooms, nil
}

func (p *PermissionChecker) serverRooms(ctx context.Context, serverID, userID int64) ([]string, error) {
	auth, err := p.LoadAuthContext(ctx, serverID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
			// Membership or server vanished between listing and loading.
			return nil, nil
		}
		return nil, err
	}
	channels, err := p.channels.GetByServerID(ctx, serverID)
	if err != nil {
		return nil, err
	}

	rooms := []string{gateway.ServerRoom(serverID)}
	for _, ch := range channels {
		if auth.In(ch).Has(permissions.PermViewChannel) {
			rooms = append(rooms, gateway.ChannelRoom(ch.ID))
		}
	}
	return rooms, nil
}

func findRole(roles []models.Role, id int64) (models.Role, bool) {
	for _, r := range roles {
		if r.ID == id {
			return r, true
		}
	}
	return models.Role{}, false
}
