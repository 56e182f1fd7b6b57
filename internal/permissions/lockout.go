package permissions

import (
	"errors"

	"github.com/victorivanov/concord/internal/models"
)

// ErrSelfLockout is returned when a proposed override list would strip the
// acting member's own MANAGE_CHANNEL in that channel.
var ErrSelfLockout = errors.New("override change would remove your own MANAGE_CHANNEL permission")

// CheckSelfLockout simulates proposed as the channel's override list and
// verifies actor keeps MANAGE_CHANNEL. Owners and ADMINISTRATOR holders are
// exempt. channel is taken by value; the caller's overrides are untouched.
func CheckSelfLockout(actor models.Member, roles []models.Role, everyoneRole models.Role, channel models.Channel, proposed []models.PermissionOverride) error {
	if actor.IsOwner {
		return nil
	}
	if base, _ := baseAndHeld(actor, roles, everyoneRole); base.Has(PermAdministrator) {
		return nil
	}

	channel.PermissionOverrides = proposed
	if !Compute(actor, roles, everyoneRole, channel).Has(PermManageChannel) {
		return ErrSelfLockout
	}
	return nil
}
