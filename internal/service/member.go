package service

import (
	"context"
	"log/slog"

	"github.com/victorivanov/concord/internal/database"
	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/permissions"
)

// MemberService handles member business logic.
type MemberService struct {
	members  database.MemberRepository
	channels database.ChannelRepository
	perms    *PermissionChecker
	notifier
}

// NewMemberService creates a MemberService.
func NewMemberService(
	members database.MemberRepository,
	channels database.ChannelRepository,
	perms *PermissionChecker,
	gw gateway.Broadcaster,
	sync Syncer,
) *MemberService {
	return &MemberService{
		members:  members,
		channels: channels,
		perms:    perms,
		notifier: notifier{perms: perms, gateway: gw, sync: sync},
	}
}

// ListMembers returns every member of a server. Only members may list them.
func (s *MemberService) ListMembers(ctx context.Context, serverID, actorID int64) ([]models.Member, error) {
	if _, err := s.perms.LoadAuthContext(ctx, serverID, actorID); err != nil {
		return nil, err
	}
	members, err := s.members.GetByServerID(ctx, serverID)
	if err != nil {
		slog.Error("failed to list members", "serverID", serverID, "error", err)
		return nil, internalError()
	}
	if members == nil {
		members = []models.Member{}
	}
	return members, nil
}

// UpdateMemberRoles replaces the roles of userID. The actor must sit above
// the target member and above every role being added or removed.
func (s *MemberService) UpdateMemberRoles(ctx context.Context, serverID, actorID, userID int64, roleIDs []int64) (*models.Member, error) {
	auth, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return nil, err
	}

	target, err := s.loadMember(ctx, serverID, userID)
	if err != nil {
		return nil, err
	}
	if actorID != userID {
		if err := s.assertCanManage(auth, *target); err != nil {
			return nil, err
		}
	}

	next := make([]int64, 0, len(roleIDs))
	wanted := make(map[int64]bool, len(roleIDs))
	for _, id := range roleIDs {
		if wanted[id] {
			continue
		}
		role, ok := findRole(auth.Roles, id)
		if !ok {
			return nil, BadRequest("UNKNOWN_ROLE", "role does not belong to this server")
		}
		if role.IsDefault {
			return nil, BadRequest("DEFAULT_ROLE", "the default role is held implicitly")
		}
		wanted[id] = true
		next = append(next, id)
	}

	// Every added or removed role must be below the actor.
	for _, id := range next {
		if target.HasRole(id) {
			continue
		}
		role, _ := findRole(auth.Roles, id)
		if err := permissions.AssertCanManageRole(auth.Member, auth.Roles, role); err != nil {
			return nil, RoleHierarchyError(err.Error())
		}
	}
	for _, id := range target.RoleIDs {
		if wanted[id] {
			continue
		}
		role, ok := findRole(auth.Roles, id)
		if !ok {
			continue // dangling reference, nothing to guard
		}
		if err := permissions.AssertCanManageRole(auth.Member, auth.Roles, role); err != nil {
			return nil, RoleHierarchyError(err.Error())
		}
	}

	if err := s.members.SetRoles(ctx, serverID, userID, next); err != nil {
		slog.Error("failed to set member roles", "serverID", serverID, "userID", userID, "error", err)
		return nil, internalError()
	}
	target.RoleIDs = next

	update := gateway.PermissionsUpdateData{ServerID: serverID, UserID: &userID}
	s.gateway.BroadcastToRoom(gateway.ServerRoom(serverID), gateway.EventGuildMemberUpdate, target)
	s.permissionsChanged(ctx, update)
	s.gateway.BroadcastToUser(userID, gateway.EventPermissionsUpdate, update)
	s.resyncUsers(serverID, []int64{userID})
	return target, nil
}

// KickMember removes userID from a server.
func (s *MemberService) KickMember(ctx context.Context, serverID, actorID, userID int64) error {
	if actorID == userID {
		return Forbidden("CANNOT_KICK_SELF", "you cannot remove yourself, leave the server instead")
	}
	auth, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermKickMembers)
	if err != nil {
		return err
	}
	target, err := s.loadMember(ctx, serverID, userID)
	if err != nil {
		return err
	}
	if err := s.assertCanManage(auth, *target); err != nil {
		return err
	}
	return s.remove(ctx, serverID, userID)
}

// LeaveServer removes the caller from a server. The last owner cannot leave.
func (s *MemberService) LeaveServer(ctx context.Context, serverID, userID int64) error {
	member, err := s.loadMember(ctx, serverID, userID)
	if err != nil {
		return err
	}
	if member.IsOwner {
		owners, err := s.members.CountOwners(ctx, serverID)
		if err != nil {
			slog.Error("failed to count owners", "serverID", serverID, "error", err)
			return internalError()
		}
		if owners <= 1 {
			return Forbidden("LAST_OWNER", "you are the only owner, transfer ownership before leaving")
		}
	}
	return s.remove(ctx, serverID, userID)
}

func (s *MemberService) loadMember(ctx context.Context, serverID, userID int64) (*models.Member, error) {
	member, err := s.members.GetByServerAndUser(ctx, serverID, userID)
	if err != nil {
		slog.Error("failed to load member", "serverID", serverID, "userID", userID, "error", err)
		return nil, internalError()
	}
	if member == nil {
		return nil, NotFound("UNKNOWN_MEMBER", "member not found")
	}
	return member, nil
}

func (s *MemberService) assertCanManage(auth *AuthContext, target models.Member) error {
	if auth.Member.IsOwner {
		return nil
	}
	if target.IsOwner || target.UserID == auth.Server.OwnerID {
		return RoleHierarchyError("the server owner cannot be managed")
	}
	if err := permissions.AssertCanManageMember(auth.Member, target, auth.Roles); err != nil {
		return RoleHierarchyError(err.Error())
	}
	return nil
}

// remove deletes the membership, strips member-targeted overrides and pulls
// the user's live sessions out of the server and its channels.
func (s *MemberService) remove(ctx context.Context, serverID, userID int64) error {
	if err := s.members.Delete(ctx, serverID, userID); err != nil {
		slog.Error("failed to delete member", "serverID", serverID, "userID", userID, "error", err)
		return internalError()
	}
	if err := s.channels.RemoveOverrideTarget(ctx, serverID, models.OverrideTargetMember, userID); err != nil {
		slog.Error("failed to strip member overrides", "serverID", serverID, "userID", userID, "error", err)
		return internalError()
	}
	s.perms.Invalidate(ctx, serverID)

	removed := gateway.MemberRemoveData{ServerID: serverID, UserID: userID}
	s.gateway.BroadcastToRoom(gateway.ServerRoom(serverID), gateway.EventGuildMemberRemove, removed)

	rooms := []string{gateway.ServerRoom(serverID)}
	channels, err := s.channels.GetByServerID(ctx, serverID)
	if err != nil {
		slog.Warn("failed to list channels for eviction", "serverID", serverID, "error", err)
	}
	for _, ch := range channels {
		rooms = append(rooms, gateway.ChannelRoom(ch.ID))
	}
	for _, sess := range s.gateway.SessionsForUser(userID) {
		for _, room := range rooms {
			sess.LeaveRoom(room)
		}
	}
	return nil
}
