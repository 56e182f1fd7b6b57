package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/concord/internal/models"
)

type memberRepo struct {
	pool *pgxpool.Pool
}

func NewMemberRepository(pool *pgxpool.Pool) MemberRepository {
	return &memberRepo{pool: pool}
}

const memberColumns = `server_id, user_id, nickname, role_ids, is_owner, joined_at`

func scanMember(row pgx.Row, m *models.Member) error {
	return row.Scan(&m.ServerID, &m.UserID, &m.Nickname, &m.RoleIDs, &m.IsOwner, &m.JoinedAt)
}

func (r *memberRepo) Create(ctx context.Context, member *models.Member) error {
	roleIDs := member.RoleIDs
	if roleIDs == nil {
		roleIDs = []int64{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO members (`+memberColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		member.ServerID, member.UserID, member.Nickname, roleIDs, member.IsOwner, member.JoinedAt,
	)
	return err
}

func (r *memberRepo) GetByServerAndUser(ctx context.Context, serverID, userID int64) (*models.Member, error) {
	m := &models.Member{}
	err := scanMember(r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE server_id = $1 AND user_id = $2`,
		serverID, userID,
	), m)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (r *memberRepo) GetByServerID(ctx context.Context, serverID int64) ([]models.Member, error) {
	return r.query(ctx,
		`SELECT `+memberColumns+` FROM members WHERE server_id = $1
		 ORDER BY joined_at, user_id`, serverID,
	)
}

// GetByServerAndUsers loads a batch of members; users that are not members
// are simply absent from the result.
func (r *memberRepo) GetByServerAndUsers(ctx context.Context, serverID int64, userIDs []int64) ([]models.Member, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return r.query(ctx,
		`SELECT `+memberColumns+` FROM members WHERE server_id = $1 AND user_id = ANY($2)
		 ORDER BY user_id`, serverID, userIDs,
	)
}

func (r *memberRepo) GetByRole(ctx context.Context, serverID, roleID int64) ([]models.Member, error) {
	return r.query(ctx,
		`SELECT `+memberColumns+` FROM members WHERE server_id = $1 AND $2 = ANY(role_ids)
		 ORDER BY user_id`, serverID, roleID,
	)
}

func (r *memberRepo) SetRoles(ctx context.Context, serverID, userID int64, roleIDs []int64) error {
	if roleIDs == nil {
		roleIDs = []int64{}
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE members SET role_ids = $3 WHERE server_id = $1 AND user_id = $2`,
		serverID, userID, roleIDs,
	)
	return err
}

func (r *memberRepo) Delete(ctx context.Context, serverID, userID int64) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM members WHERE server_id = $1 AND user_id = $2`, serverID, userID,
	)
	return err
}

func (r *memberRepo) RemoveRoleFromAll(ctx context.Context, serverID, roleID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE members SET role_ids = array_remove(role_ids, $2)
		 WHERE server_id = $1 AND $2 = ANY(role_ids)`,
		serverID, roleID,
	)
	return err
}

func (r *memberRepo) CountOwners(ctx context.Context, serverID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM members WHERE server_id = $1 AND is_owner`, serverID,
	).Scan(&n)
	return n, err
}

func (r *memberRepo) query(ctx context.Context, sql string, args ...any) ([]models.Member, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		if err := scanMember(rows, &m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
