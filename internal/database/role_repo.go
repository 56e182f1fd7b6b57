package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/concord/internal/models"
)

type roleRepo struct {
	pool *pgxpool.Pool
}

func NewRoleRepository(pool *pgxpool.Pool) RoleRepository {
	return &roleRepo{pool: pool}
}

const roleColumns = `id, server_id, name, color, permissions, position, is_default`

func scanRole(row pgx.Row, role *models.Role) error {
	return row.Scan(&role.ID, &role.ServerID, &role.Name, &role.Color, &role.Permissions, &role.Position, &role.IsDefault)
}

func (r *roleRepo) Create(ctx context.Context, role *models.Role) error {
	perms := role.Permissions
	if perms == nil {
		perms = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO roles (`+roleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		role.ID, role.ServerID, role.Name, role.Color, perms, role.Position, role.IsDefault,
	)
	return err
}

func (r *roleRepo) GetByID(ctx context.Context, id int64) (*models.Role, error) {
	role := &models.Role{}
	err := scanRole(r.pool.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE id = $1`, id,
	), role)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return role, err
}

// GetByServerID returns the server's roles ordered by ascending position.
func (r *roleRepo) GetByServerID(ctx context.Context, serverID int64) ([]models.Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE server_id = $1
		 ORDER BY position, id`, serverID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []models.Role
	for rows.Next() {
		var role models.Role
		if err := scanRole(rows, &role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *roleRepo) Update(ctx context.Context, role *models.Role) error {
	perms := role.Permissions
	if perms == nil {
		perms = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE roles SET name = $2, color = $3, permissions = $4, position = $5
		 WHERE id = $1`,
		role.ID, role.Name, role.Color, perms, role.Position,
	)
	return err
}

func (r *roleRepo) UpdatePosition(ctx context.Context, roleID int64, position int) error {
	_, err := r.pool.Exec(ctx, `UPDATE roles SET position = $2 WHERE id = $1`, roleID, position)
	return err
}

func (r *roleRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	return err
}
