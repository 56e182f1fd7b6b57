package database

import (
	"context"

	"github.com/victorivanov/concord/internal/models"
)

// Repositories return (nil, nil) when a single entity does not exist.

type ServerRepository interface {
	Create(ctx context.Context, server *models.Server) error
	GetByID(ctx context.Context, id int64) (*models.Server, error)
	GetByUserID(ctx context.Context, userID int64) ([]models.Server, error)
	Delete(ctx context.Context, id int64) error
}

type RoleRepository interface {
	Create(ctx context.Context, role *models.Role) error
	GetByID(ctx context.Context, id int64) (*models.Role, error)
	GetByServerID(ctx context.Context, serverID int64) ([]models.Role, error)
	Update(ctx context.Context, role *models.Role) error
	UpdatePosition(ctx context.Context, roleID int64, position int) error
	Delete(ctx context.Context, id int64) error
}

type MemberRepository interface {
	Create(ctx context.Context, member *models.Member) error
	GetByServerAndUser(ctx context.Context, serverID, userID int64) (*models.Member, error)
	GetByServerID(ctx context.Context, serverID int64) ([]models.Member, error)
	GetByServerAndUsers(ctx context.Context, serverID int64, userIDs []int64) ([]models.Member, error)
	GetByRole(ctx context.Context, serverID, roleID int64) ([]models.Member, error)
	SetRoles(ctx context.Context, serverID, userID int64, roleIDs []int64) error
	Delete(ctx context.Context, serverID, userID int64) error
	RemoveRoleFromAll(ctx context.Context, serverID, roleID int64) error
	CountOwners(ctx context.Context, serverID int64) (int, error)
}

type ChannelRepository interface {
	Create(ctx context.Context, channel *models.Channel) error
	GetByID(ctx context.Context, id int64) (*models.Channel, error)
	GetByServerID(ctx context.Context, serverID int64) ([]models.Channel, error)
	GetDMsByUser(ctx context.Context, userID int64) ([]models.Channel, error)
	UpdateOverrides(ctx context.Context, channelID int64, overrides []models.PermissionOverride) error
	RemoveOverrideTarget(ctx context.Context, serverID int64, targetType models.OverrideTargetType, targetID int64) error
	Delete(ctx context.Context, id int64) error
}

type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
}
