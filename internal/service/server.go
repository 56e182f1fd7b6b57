package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/victorivanov/concord/internal/database"
	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/permissions"
)

// ServerService creates servers, channels and memberships.
type ServerService struct {
	servers  database.ServerRepository
	roles    database.RoleRepository
	members  database.MemberRepository
	channels database.ChannelRepository
	ids      *snowflake.Node
	perms    *PermissionChecker
	notifier
}

// NewServerService creates a ServerService.
func NewServerService(
	servers database.ServerRepository,
	roles database.RoleRepository,
	members database.MemberRepository,
	channels database.ChannelRepository,
	ids *snowflake.Node,
	perms *PermissionChecker,
	gw gateway.Broadcaster,
	sync Syncer,
) *ServerService {
	return &ServerService{
		servers:  servers,
		roles:    roles,
		members:  members,
		channels: channels,
		ids:      ids,
		perms:    perms,
		notifier: notifier{perms: perms, gateway: gw, sync: sync},
	}
}

// CreateServer creates a server owned by ownerID together with its default
// role (sharing the server's ID), the owner's membership and a #general
// text channel.
func (s *ServerService) CreateServer(ctx context.Context, ownerID int64, name string) (*models.Server, error) {
	name = strings.TrimSpace(name)
	if len(name) < 2 || len(name) > 100 {
		return nil, BadRequest("INVALID_NAME", "server name must be 2-100 characters")
	}

	now := time.Now().UTC()
	id := s.ids.Generate().Int64()
	server := &models.Server{
		ID:             id,
		Name:           name,
		OwnerID:        ownerID,
		EveryoneRoleID: id,
		CreatedAt:      now,
	}
	if err := s.servers.Create(ctx, server); err != nil {
		slog.Error("failed to create server", "userID", ownerID, "error", err)
		return nil, internalError()
	}

	everyone := &models.Role{
		ID:          id,
		ServerID:    id,
		Name:        models.EveryoneRoleName,
		Permissions: permissions.DefaultEveryone.Tokens(),
		IsDefault:   true,
	}
	if err := s.roles.Create(ctx, everyone); err != nil {
		slog.Error("failed to create default role", "serverID", id, "error", err)
		return nil, internalError()
	}

	owner := &models.Member{ServerID: id, UserID: ownerID, RoleIDs: []int64{}, IsOwner: true, JoinedAt: now}
	if err := s.members.Create(ctx, owner); err != nil {
		slog.Error("failed to create owner membership", "serverID", id, "userID", ownerID, "error", err)
		return nil, internalError()
	}

	general := &models.Channel{
		ID:                  s.ids.Generate().Int64(),
		ServerID:            &id,
		Name:                "general",
		Type:                models.ChannelTypeText,
		PermissionOverrides: []models.PermissionOverride{},
	}
	if err := s.channels.Create(ctx, general); err != nil {
		slog.Error("failed to create default channel", "serverID", id, "error", err)
		return nil, internalError()
	}

	s.joinRooms(ownerID, gateway.ServerRoom(id), gateway.ChannelRoom(general.ID))
	return server, nil
}

// AddMember adds userID to a server with no roles beyond the default one.
func (s *ServerService) AddMember(ctx context.Context, serverID, userID int64) (*models.Member, error) {
	server, err := s.servers.GetByID(ctx, serverID)
	if err != nil {
		slog.Error("failed to load server", "serverID", serverID, "error", err)
		return nil, internalError()
	}
	if server == nil {
		return nil, NotFound("UNKNOWN_SERVER", "server not found")
	}
	existing, err := s.members.GetByServerAndUser(ctx, serverID, userID)
	if err != nil {
		slog.Error("failed to load member", "serverID", serverID, "userID", userID, "error", err)
		return nil, internalError()
	}
	if existing != nil {
		return nil, Conflict("ALREADY_MEMBER", "user is already a member of this server")
	}

	member := &models.Member{ServerID: serverID, UserID: userID, RoleIDs: []int64{}, JoinedAt: time.Now().UTC()}
	if err := s.members.Create(ctx, member); err != nil {
		slog.Error("failed to create member", "serverID", serverID, "userID", userID, "error", err)
		return nil, internalError()
	}

	s.joinRooms(userID, gateway.ServerRoom(serverID))
	s.resyncUsers(serverID, []int64{userID})
	return member, nil
}

// CreateChannelParams describes a new server channel.
type CreateChannelParams struct {
	Name      string
	Type      models.ChannelType
	ParentID  *int64
	Overrides []models.PermissionOverride
}

// CreateChannel creates a channel in a server. The caller needs
// MANAGE_CHANNELS; initial overrides go through the same validation as an
// override update.
func (s *ServerService) CreateChannel(ctx context.Context, serverID, actorID int64, p CreateChannelParams) (*models.Channel, error) {
	auth, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageChannels)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(p.Name)
	if name == "" || len(name) > 100 {
		return nil, BadRequest("INVALID_NAME", "channel name must be 1-100 characters")
	}
	switch p.Type {
	case models.ChannelTypeText, models.ChannelTypeVoice, models.ChannelTypeCategory:
	case "":
		p.Type = models.ChannelTypeText
	default:
		return nil, BadRequest("INVALID_TYPE", "unsupported channel type")
	}

	overrides := []models.PermissionOverride{}
	if len(p.Overrides) > 0 {
		cs := ChannelService{members: s.members, perms: s.perms}
		overrides, err = cs.validateOverrides(ctx, auth, auth.Base(), nil, p.Overrides)
		if err != nil {
			return nil, err
		}
	}

	channel := &models.Channel{
		ID:                  s.ids.Generate().Int64(),
		ServerID:            &serverID,
		ParentID:            p.ParentID,
		Name:                name,
		Type:                p.Type,
		PermissionOverrides: overrides,
	}
	if err := s.channels.Create(ctx, channel); err != nil {
		slog.Error("failed to create channel", "serverID", serverID, "error", err)
		return nil, internalError()
	}

	s.gateway.BroadcastToRoom(gateway.ServerRoom(serverID), gateway.EventChannelCreate, channel)
	s.sync.EnqueueChannel(channel.ID, nil)
	return channel, nil
}

func (s *ServerService) joinRooms(userID int64, rooms ...string) {
	for _, sess := range s.gateway.SessionsForUser(userID) {
		for _, room := range rooms {
			sess.JoinRoom(room)
		}
	}
}
