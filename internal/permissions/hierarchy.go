package permissions

import (
	"errors"
	"fmt"

	"github.com/victorivanov/concord/internal/models"
)

// ErrHierarchy is returned when an actor tries to manage a role or member
// whose highest position is not strictly below their own.
var ErrHierarchy = errors.New("equal or higher role position")

// HighestPosition returns the highest position among the member's resolvable
// non-default roles, or 0 when they hold none.
func HighestPosition(member models.Member, roles []models.Role) int {
	highest := 0
	for _, r := range roles {
		if r.IsDefault || !member.HasRole(r.ID) {
			continue
		}
		if r.Position > highest {
			highest = r.Position
		}
	}
	return highest
}

// AssertCanManageRole checks that actor sits strictly above role.
func AssertCanManageRole(actor models.Member, roles []models.Role, role models.Role) error {
	return assertAbove(actor, roles, role.Position, "role")
}

// AssertCanManageMember checks that actor sits strictly above every role the
// target member holds.
func AssertCanManageMember(actor, target models.Member, roles []models.Role) error {
	return assertAbove(actor, roles, HighestPosition(target, roles), "member")
}

// AssertCanPlaceAt checks that actor may create or move a role to position.
func AssertCanPlaceAt(actor models.Member, roles []models.Role, position int) error {
	return assertAbove(actor, roles, position, "position")
}

func assertAbove(actor models.Member, roles []models.Role, target int, kind string) error {
	if actor.IsOwner {
		return nil
	}
	acting := HighestPosition(actor, roles)
	if target >= acting {
		return fmt.Errorf("%w: %s at %d, yours is %d", ErrHierarchy, kind, target, acting)
	}
	return nil
}
