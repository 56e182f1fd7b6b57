package service

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/snowflake"

	"github.com/victorivanov/concord/internal/database"
	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/permissions"
)

const maxOverridesPerChannel = 100

// ChannelService handles channel permission overrides and DM channels.
type ChannelService struct {
	channels database.ChannelRepository
	members  database.MemberRepository
	ids      *snowflake.Node
	perms    *PermissionChecker
	notifier
}

// NewChannelService creates a ChannelService.
func NewChannelService(
	channels database.ChannelRepository,
	members database.MemberRepository,
	ids *snowflake.Node,
	perms *PermissionChecker,
	gw gateway.Broadcaster,
	sync Syncer,
) *ChannelService {
	return &ChannelService{
		channels: channels,
		members:  members,
		ids:      ids,
		perms:    perms,
		notifier: notifier{perms: perms, gateway: gw, sync: sync},
	}
}

// GetOverrides returns a channel's overrides to anyone who can view it.
func (s *ChannelService) GetOverrides(ctx context.Context, channelID, actorID int64) ([]models.PermissionOverride, error) {
	channel, err := s.perms.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	perms, err := s.perms.effective(ctx, *channel, actorID)
	if err != nil {
		return nil, err
	}
	if !perms.Has(permissions.PermViewChannel) {
		return nil, Forbidden("MISSING_PERMISSIONS", "you do not have the required permissions")
	}
	if channel.PermissionOverrides == nil {
		return []models.PermissionOverride{}, nil
	}
	return channel.PermissionOverrides, nil
}

// MyPermissions returns the caller's effective permissions in a channel.
func (s *ChannelService) MyPermissions(ctx context.Context, channelID, actorID int64) (permissions.Permission, error) {
	return s.perms.EffectivePermissions(ctx, channelID, actorID)
}

// UpdateOverrides replaces a channel's overrides. The caller needs
// MANAGE_CHANNEL now and must still have it under the new overrides.
func (s *ChannelService) UpdateOverrides(ctx context.Context, channelID, actorID int64, overrides []models.PermissionOverride) ([]models.PermissionOverride, error) {
	channel, err := s.perms.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.IsDM() || channel.ServerID == nil {
		return nil, BadRequest("DM_CHANNEL", "direct message channels have no overrides")
	}
	serverID := *channel.ServerID

	auth, err := s.perms.LoadAuthContext(ctx, serverID, actorID)
	if err != nil {
		return nil, err
	}
	held := auth.In(*channel)
	if !held.Has(permissions.PermManageChannel) {
		return nil, Forbidden("MISSING_PERMISSIONS", "you do not have permission to manage this channel")
	}

	proposed, err := s.validateOverrides(ctx, auth, held, channel.PermissionOverrides, overrides)
	if err != nil {
		return nil, err
	}
	if err := permissions.CheckSelfLockout(auth.Member, auth.Roles, auth.Everyone, *channel, proposed); err != nil {
		return nil, SelfLockoutError(err.Error())
	}

	if err := s.channels.UpdateOverrides(ctx, channelID, proposed); err != nil {
		slog.Error("failed to update overrides", "channelID", channelID, "error", err)
		return nil, internalError()
	}
	channel.PermissionOverrides = proposed

	s.gateway.BroadcastToRoom(gateway.ServerRoom(serverID), gateway.EventChannelUpdate, channel)
	s.permissionsChanged(ctx, gateway.PermissionsUpdateData{ServerID: serverID, ChannelID: &channelID})
	s.sync.EnqueueChannel(channelID, nil)
	return proposed, nil
}

// validateOverrides checks targets and tokens and returns the overrides with
// tokens normalized. A non-administrator may only add or remove allow and
// deny bits they currently hold in the channel; bits carried over unchanged
// from current are not checked.
func (s *ChannelService) validateOverrides(ctx context.Context, auth *AuthContext, held permissions.Permission, current, overrides []models.PermissionOverride) ([]models.PermissionOverride, error) {
	if len(overrides) > maxOverridesPerChannel {
		return nil, BadRequest("TOO_MANY_OVERRIDES", "a channel may carry at most 100 overrides")
	}
	admin := auth.Member.IsOwner || auth.Base().Has(permissions.PermAdministrator)

	out := make([]models.PermissionOverride, 0, len(overrides))
	for _, o := range overrides {
		switch o.TargetType {
		case models.OverrideTargetRole:
			if _, ok := findRole(auth.Roles, o.TargetID); !ok {
				return nil, BadRequest("UNKNOWN_TARGET", "override targets a role outside this server")
			}
		case models.OverrideTargetMember:
			m, err := s.members.GetByServerAndUser(ctx, auth.Server.ID, o.TargetID)
			if err != nil {
				slog.Error("failed to load override target", "userID", o.TargetID, "error", err)
				return nil, internalError()
			}
			if m == nil {
				return nil, BadRequest("UNKNOWN_TARGET", "override targets a user outside this server")
			}
		default:
			return nil, BadRequest("INVALID_TARGET_TYPE", "target_type must be role or member")
		}

		if err := validateTokens(o.Allow); err != nil {
			return nil, err
		}
		if err := validateTokens(o.Deny); err != nil {
			return nil, err
		}
		out = append(out, models.PermissionOverride{
			TargetType: o.TargetType,
			TargetID:   o.TargetID,
			Allow:      normalizeTokens(o.Allow),
			Deny:       normalizeTokens(o.Deny),
		})
	}
	if !admin && !held.Has(changedBits(current, out)) {
		return nil, Forbidden("MISSING_PERMISSIONS", "cannot allow or deny permissions you do not have")
	}
	return out, nil
}

type overrideTarget struct {
	kind models.OverrideTargetType
	id   int64
}

type overrideBits struct {
	allow, deny permissions.Permission
}

func mergeOverrides(overrides []models.PermissionOverride) map[overrideTarget]overrideBits {
	merged := make(map[overrideTarget]overrideBits, len(overrides))
	for _, o := range overrides {
		k := overrideTarget{o.TargetType, o.TargetID}
		b := merged[k]
		b.allow |= permissions.Parse(o.Allow)
		b.deny |= permissions.Parse(o.Deny)
		merged[k] = b
	}
	return merged
}

// changedBits returns every allow or deny bit that differs between before
// and after for any target, including targets dropped or added entirely.
func changedBits(before, after []models.PermissionOverride) permissions.Permission {
	old, next := mergeOverrides(before), mergeOverrides(after)
	var changed permissions.Permission
	for k, b := range next {
		o := old[k]
		changed |= (b.allow ^ o.allow) | (b.deny ^ o.deny)
	}
	for k, o := range old {
		if _, ok := next[k]; !ok {
			changed |= o.allow | o.deny
		}
	}
	return changed
}

// OpenDM returns the DM channel between userID and recipientID, creating it
// on first use. Both users' sessions join its room.
func (s *ChannelService) OpenDM(ctx context.Context, userID, recipientID int64) (*models.Channel, error) {
	if userID == recipientID {
		return nil, BadRequest("INVALID_RECIPIENT", "you cannot open a conversation with yourself")
	}
	dms, err := s.channels.GetDMsByUser(ctx, userID)
	if err != nil {
		slog.Error("failed to list DM channels", "userID", userID, "error", err)
		return nil, internalError()
	}
	for i := range dms {
		if dms[i].HasRecipient(recipientID) {
			return &dms[i], nil
		}
	}

	channel := &models.Channel{
		ID:                  s.ids.Generate().Int64(),
		Type:                models.ChannelTypeDM,
		Recipients:          []int64{userID, recipientID},
		PermissionOverrides: []models.PermissionOverride{},
	}
	if err := s.channels.Create(ctx, channel); err != nil {
		slog.Error("failed to create DM channel", "userID", userID, "error", err)
		return nil, internalError()
	}

	room := gateway.ChannelRoom(channel.ID)
	for _, id := range channel.Recipients {
		for _, sess := range s.gateway.SessionsForUser(id) {
			sess.JoinRoom(room)
		}
		s.gateway.BroadcastToUser(id, gateway.EventChannelCreate, channel)
	}
	return channel, nil
}
