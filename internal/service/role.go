package service

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"

	"github.com/victorivanov/concord/internal/database"
	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/permissions"
)

const maxRoleNameLength = 100

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// RoleService handles role business logic.
type RoleService struct {
	roles    database.RoleRepository
	members  database.MemberRepository
	channels database.ChannelRepository
	ids      *snowflake.Node
	perms    *PermissionChecker
	notifier
}

// NewRoleService creates a RoleService.
func NewRoleService(
	roles database.RoleRepository,
	members database.MemberRepository,
	channels database.ChannelRepository,
	ids *snowflake.Node,
	perms *PermissionChecker,
	gw gateway.Broadcaster,
	sync Syncer,
) *RoleService {
	return &RoleService{
		roles:    roles,
		members:  members,
		channels: channels,
		ids:      ids,
		perms:    perms,
		notifier: notifier{perms: perms, gateway: gw, sync: sync},
	}
}

// CreateRoleParams describes a new role. A nil Position places the role on
// top for owners and at the bottom for everyone else.
type CreateRoleParams struct {
	Name        string
	Color       string
	Permissions []string
	Position    *int
}

// UpdateRoleParams holds optional role changes; nil fields are left alone.
type UpdateRoleParams struct {
	Name        *string
	Color       *string
	Permissions []string
	Position    *int
}

// CreateRole creates a new role in a server.
func (s *RoleService) CreateRole(ctx context.Context, serverID, actorID int64, p CreateRoleParams) (*models.Role, error) {
	auth, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(p.Name)
	if err := validateRoleName(name); err != nil {
		return nil, err
	}
	if err := validateColor(p.Color); err != nil {
		return nil, err
	}
	if err := validateGrant(auth, p.Permissions); err != nil {
		return nil, err
	}

	position := 1
	if p.Position != nil {
		position = *p.Position
	} else if auth.Member.IsOwner {
		position = topPosition(auth.Roles) + 1
	}
	if position < 1 {
		return nil, BadRequest("INVALID_POSITION", "position must be at least 1")
	}
	if err := permissions.AssertCanPlaceAt(auth.Member, auth.Roles, position); err != nil {
		return nil, RoleHierarchyError(err.Error())
	}

	role := &models.Role{
		ID:          s.ids.Generate().Int64(),
		ServerID:    serverID,
		Name:        name,
		Color:       p.Color,
		Permissions: normalizeTokens(p.Permissions),
		Position:    position,
	}
	if err := s.roles.Create(ctx, role); err != nil {
		slog.Error("failed to create role", "serverID", serverID, "error", err)
		return nil, internalError()
	}

	s.gateway.BroadcastToRoom(gateway.ServerRoom(serverID), gateway.EventGuildRoleCreate, role)
	s.permissionsChanged(ctx, gateway.PermissionsUpdateData{ServerID: serverID})
	return role, nil
}

// ListRoles returns the server's roles ordered by position. Only members may
// list them.
func (s *RoleService) ListRoles(ctx context.Context, serverID, actorID int64) ([]models.Role, error) {
	auth, err := s.perms.LoadAuthContext(ctx, serverID, actorID)
	if err != nil {
		return nil, err
	}
	roles := append([]models.Role{}, auth.Roles...)
	sortRoles(roles)
	return roles, nil
}

// UpdateRole edits a role. Only roles strictly below the actor's highest role
// can be edited. Every edit broadcasts PERMISSIONS_UPDATE; holders are
// resynced only when the role's permissions or position change.
func (s *RoleService) UpdateRole(ctx context.Context, serverID, actorID, roleID int64, p UpdateRoleParams) (*models.Role, error) {
	auth, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return nil, err
	}
	current, ok := findRole(auth.Roles, roleID)
	if !ok {
		return nil, NotFound("UNKNOWN_ROLE", "role not found")
	}
	if err := permissions.AssertCanManageRole(auth.Member, auth.Roles, current); err != nil {
		return nil, RoleHierarchyError(err.Error())
	}

	role := current
	if p.Name != nil {
		if role.IsDefault {
			return nil, BadRequest("DEFAULT_ROLE", "the default role cannot be renamed")
		}
		name := strings.TrimSpace(*p.Name)
		if err := validateRoleName(name); err != nil {
			return nil, err
		}
		role.Name = name
	}
	if p.Color != nil {
		if err := validateColor(*p.Color); err != nil {
			return nil, err
		}
		role.Color = *p.Color
	}
	permsChanged := false
	if p.Permissions != nil {
		if err := validateGrant(auth, p.Permissions); err != nil {
			return nil, err
		}
		role.Permissions = normalizeTokens(p.Permissions)
		permsChanged = permissions.Parse(role.Permissions) != permissions.Parse(current.Permissions)
	}
	positionChanged := false
	if p.Position != nil && *p.Position != current.Position {
		if role.IsDefault {
			return nil, BadRequest("DEFAULT_ROLE", "the default role cannot be moved")
		}
		if *p.Position < 1 {
			return nil, BadRequest("INVALID_POSITION", "position must be at least 1")
		}
		if err := permissions.AssertCanPlaceAt(auth.Member, auth.Roles, *p.Position); err != nil {
			return nil, RoleHierarchyError(err.Error())
		}
		role.Position = *p.Position
		positionChanged = true
	}

	if err := s.roles.Update(ctx, &role); err != nil {
		slog.Error("failed to update role", "roleID", roleID, "error", err)
		return nil, internalError()
	}

	s.gateway.BroadcastToRoom(gateway.ServerRoom(serverID), gateway.EventGuildRoleUpdate, role)
	s.permissionsChanged(ctx, gateway.PermissionsUpdateData{ServerID: serverID})
	if !permsChanged && !positionChanged {
		return &role, nil
	}

	if role.IsDefault {
		s.resyncServer(serverID)
		return &role, nil
	}
	holders, err := s.holders(ctx, serverID, roleID)
	if err != nil {
		slog.Warn("skipping resync after role update", "roleID", roleID, "error", err)
		return &role, nil
	}
	s.resyncUsers(serverID, holders)
	return &role, nil
}

// UpdateRolePositions moves several roles at once. Every moved role must sit
// below the actor both before and after the move.
func (s *RoleService) UpdateRolePositions(ctx context.Context, serverID, actorID int64, positions []models.RolePosition) ([]models.Role, error) {
	auth, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(positions))
	for _, rp := range positions {
		if seen[rp.RoleID] {
			return nil, BadRequest("DUPLICATE_ROLE", "a role may appear only once")
		}
		seen[rp.RoleID] = true

		role, ok := findRole(auth.Roles, rp.RoleID)
		if !ok {
			return nil, NotFound("UNKNOWN_ROLE", "role not found")
		}
		if role.IsDefault {
			return nil, BadRequest("DEFAULT_ROLE", "the default role cannot be moved")
		}
		if rp.Position < 1 {
			return nil, BadRequest("INVALID_POSITION", "position must be at least 1")
		}
		if err := permissions.AssertCanManageRole(auth.Member, auth.Roles, role); err != nil {
			return nil, RoleHierarchyError(err.Error())
		}
		if err := permissions.AssertCanPlaceAt(auth.Member, auth.Roles, rp.Position); err != nil {
			return nil, RoleHierarchyError(err.Error())
		}
	}

	var moved []int64
	for _, rp := range positions {
		if err := s.roles.UpdatePosition(ctx, rp.RoleID, rp.Position); err != nil {
			slog.Error("failed to update role position", "roleID", rp.RoleID, "error", err)
			return nil, internalError()
		}
		moved = append(moved, rp.RoleID)
	}

	roles, err := s.roles.GetByServerID(ctx, serverID)
	if err != nil {
		slog.Error("failed to reload roles", "serverID", serverID, "error", err)
		return nil, internalError()
	}
	sortRoles(roles)

	if len(moved) == 0 {
		return roles, nil
	}
	s.permissionsChanged(ctx, gateway.PermissionsUpdateData{ServerID: serverID})

	var affected []int64
	for _, roleID := range moved {
		holders, err := s.holders(ctx, serverID, roleID)
		if err != nil {
			slog.Warn("skipping resync after role reorder", "roleID", roleID, "error", err)
			continue
		}
		affected = append(affected, holders...)
	}
	s.resyncUsers(serverID, affected)
	return roles, nil
}

// DeleteRole removes a role, strips it from every member and every channel
// override, then resyncs its former holders. The writes are independent; a
// failure part way leaves earlier writes in place.
func (s *RoleService) DeleteRole(ctx context.Context, serverID, actorID, roleID int64) error {
	auth, err := s.perms.RequireServerPermission(ctx, serverID, actorID, permissions.PermManageRoles)
	if err != nil {
		return err
	}
	role, ok := findRole(auth.Roles, roleID)
	if !ok {
		return NotFound("UNKNOWN_ROLE", "role not found")
	}
	if role.IsDefault {
		return Forbidden("DEFAULT_ROLE", "cannot delete the default role")
	}
	if err := permissions.AssertCanManageRole(auth.Member, auth.Roles, role); err != nil {
		return RoleHierarchyError(err.Error())
	}

	// Capture holders before the cascade erases the evidence.
	holders, err := s.holders(ctx, serverID, roleID)
	if err != nil {
		slog.Error("failed to list role holders", "roleID", roleID, "error", err)
		return internalError()
	}

	if err := s.members.RemoveRoleFromAll(ctx, serverID, roleID); err != nil {
		slog.Error("failed to strip role from members", "roleID", roleID, "error", err)
		return internalError()
	}
	if err := s.channels.RemoveOverrideTarget(ctx, serverID, models.OverrideTargetRole, roleID); err != nil {
		slog.Error("failed to strip role overrides", "roleID", roleID, "error", err)
		return internalError()
	}
	if err := s.roles.Delete(ctx, roleID); err != nil {
		slog.Error("failed to delete role", "roleID", roleID, "error", err)
		return internalError()
	}

	s.gateway.BroadcastToRoom(gateway.ServerRoom(serverID), gateway.EventGuildRoleDelete, gateway.RoleDeleteData{ServerID: serverID, RoleID: roleID})
	s.permissionsChanged(ctx, gateway.PermissionsUpdateData{ServerID: serverID})
	s.resyncUsers(serverID, holders)
	return nil
}

func (s *RoleService) holders(ctx context.Context, serverID, roleID int64) ([]int64, error) {
	members, err := s.members.GetByRole(ctx, serverID, roleID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids, nil
}

func validateRoleName(name string) error {
	if name == "" || len(name) > maxRoleNameLength {
		return BadRequest("INVALID_NAME", "name must be 1-100 characters")
	}
	if name == models.EveryoneRoleName {
		return BadRequest("INVALID_NAME", "that name is reserved")
	}
	return nil
}

func validateColor(color string) error {
	if color != "" && !colorPattern.MatchString(color) {
		return BadRequest("INVALID_COLOR", "color must look like #RRGGBB")
	}
	return nil
}

// validateTokens rejects permission tokens outside the catalog.
func validateTokens(tokens []string) error {
	for _, t := range tokens {
		if !permissions.Valid(t) {
			return BadRequest("INVALID_PERMISSION", "unknown permission: "+t)
		}
	}
	return nil
}

// validateGrant checks the tokens and that a non-administrator only hands
// out permissions they hold.
func validateGrant(auth *AuthContext, tokens []string) error {
	if err := validateTokens(tokens); err != nil {
		return err
	}
	held := auth.Base()
	if held.Has(permissions.PermAdministrator) {
		return nil
	}
	if want := permissions.Parse(tokens); !held.Has(want) {
		return Forbidden("MISSING_PERMISSIONS", "cannot grant permissions you do not have")
	}
	return nil
}

// normalizeTokens returns tokens in catalog order without duplicates.
func normalizeTokens(tokens []string) []string {
	return permissions.Parse(tokens).Tokens()
}

func topPosition(roles []models.Role) int {
	top := 0
	for _, r := range roles {
		if r.Position > top {
			top = r.Position
		}
	}
	return top
}

func sortRoles(roles []models.Role) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Position != roles[j].Position {
			return roles[i].Position < roles[j].Position
		}
		return roles[i].ID < roles[j].ID
	})
}
