package permissions

import (
	"sort"

	"github.com/victorivanov/concord/internal/models"
)

// ComputeBase computes server-level permissions for a member.
//  1. Owners get All.
//  2. Start with the @everyone role permissions.
//  3. OR the permissions of every assigned role found in roles; role IDs
//     that do not resolve are skipped.
//  4. If the result includes ADMINISTRATOR, return All.
func ComputeBase(member models.Member, roles []models.Role, everyoneRole models.Role) Permission {
	if member.IsOwner {
		return All
	}
	perms, _ := baseAndHeld(member, roles, everyoneRole)
	if perms.Has(PermAdministrator) {
		return All
	}
	return perms
}

// Compute returns the effective permissions of member in channel.
//  1. DM channels get the fixed DMPermissions; roles and overrides play no part.
//  2. Owners get All.
//  3. Base = @everyone permissions OR the member's resolvable roles.
//  4. ADMINISTRATOR in base returns All, skipping overrides.
//  5. Overrides, each step adding allow then removing deny:
//     the @everyone override, then the member's roles by ascending position,
//     then the override targeting the member itself.
//  6. Without VIEW_CHANNEL the member has no permissions at all.
func Compute(member models.Member, roles []models.Role, everyoneRole models.Role, channel models.Channel) Permission {
	if channel.IsDM() {
		return DMPermissions
	}
	if member.IsOwner {
		return All
	}

	perms, held := baseAndHeld(member, roles, everyoneRole)
	if perms.Has(PermAdministrator) {
		return All
	}

	overrides := channel.PermissionOverrides

	perms = applyOverride(perms, overrides, models.OverrideTargetRole, everyoneRole.ID)

	sort.Slice(held, func(i, j int) bool {
		if held[i].Position != held[j].Position {
			return held[i].Position < held[j].Position
		}
		return held[i].ID < held[j].ID
	})
	for _, r := range held {
		perms = applyOverride(perms, overrides, models.OverrideTargetRole, r.ID)
	}

	perms = applyOverride(perms, overrides, models.OverrideTargetMember, member.UserID)

	if !perms.Has(PermViewChannel) {
		return 0
	}
	return perms
}

// baseAndHeld returns the role-union permissions and the member's resolved
// non-default roles.
func baseAndHeld(member models.Member, roles []models.Role, everyoneRole models.Role) (Permission, []models.Role) {
	perms := Parse(everyoneRole.Permissions)

	byID := make(map[int64]models.Role, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}

	held := make([]models.Role, 0, len(member.RoleIDs))
	seen := make(map[int64]bool, len(member.RoleIDs))
	for _, id := range member.RoleIDs {
		r, ok := byID[id]
		if !ok || seen[id] || id == everyoneRole.ID || r.IsDefault {
			continue
		}
		seen[id] = true
		held = append(held, r)
		perms = perms.Add(Parse(r.Permissions))
	}
	return perms, held
}

// applyOverride applies every override entry for one target as a single
// step. Duplicate entries for the same target are merged: their allows and
// denies are unioned, so deny still wins and slice order does not matter.
func applyOverride(perms Permission, overrides []models.PermissionOverride, targetType models.OverrideTargetType, targetID int64) Permission {
	var allow, deny Permission
	found := false
	for _, o := range overrides {
		if o.TargetType != targetType || o.TargetID != targetID {
			continue
		}
		found = true
		allow = allow.Add(Parse(o.Allow))
		deny = deny.Add(Parse(o.Deny))
	}
	if !found {
		return perms
	}
	return perms.Add(allow).Remove(deny)
}
