package database

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/concord/internal/models"
)

type channelRepo struct {
	pool *pgxpool.Pool
}

func NewChannelRepository(pool *pgxpool.Pool) ChannelRepository {
	return &channelRepo{pool: pool}
}

const channelColumns = `id, server_id, parent_id, name, type, position, recipients, permission_overrides`

func scanChannel(row pgx.Row, ch *models.Channel) error {
	var raw []byte
	if err := row.Scan(&ch.ID, &ch.ServerID, &ch.ParentID, &ch.Name, &ch.Type, &ch.Position, &ch.Recipients, &raw); err != nil {
		return err
	}
	overrides, err := decodeOverrides(raw)
	if err != nil {
		return err
	}
	ch.PermissionOverrides = overrides
	return nil
}

func (r *channelRepo) Create(ctx context.Context, ch *models.Channel) error {
	raw, err := encodeOverrides(ch.PermissionOverrides)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO channels (`+channelColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ch.ID, ch.ServerID, ch.ParentID, ch.Name, ch.Type, ch.Position, ch.Recipients, raw,
	)
	return err
}

func (r *channelRepo) GetByID(ctx context.Context, id int64) (*models.Channel, error) {
	ch := &models.Channel{}
	err := scanChannel(r.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id,
	), ch)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *channelRepo) GetByServerID(ctx context.Context, serverID int64) ([]models.Channel, error) {
	return r.query(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE server_id = $1
		 ORDER BY position, id`, serverID,
	)
}

func (r *channelRepo) GetDMsByUser(ctx context.Context, userID int64) ([]models.Channel, error) {
	return r.query(ctx,
		`SELECT `+channelColumns+` FROM channels
		 WHERE type = $1 AND $2 = ANY(recipients)
		 ORDER BY id`, models.ChannelTypeDM, userID,
	)
}

// UpdateOverrides replaces the whole override list of one channel.
func (r *channelRepo) UpdateOverrides(ctx context.Context, channelID int64, overrides []models.PermissionOverride) error {
	raw, err := encodeOverrides(overrides)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE channels SET permission_overrides = $2 WHERE id = $1`, channelID, raw,
	)
	return err
}

// RemoveOverrideTarget strips every override entry for one target from all
// channels of a server. target_id is stored as a JSON string.
func (r *channelRepo) RemoveOverrideTarget(ctx context.Context, serverID int64, targetType models.OverrideTargetType, targetID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE channels SET permission_overrides = COALESCE(
		     (SELECT jsonb_agg(o) FROM jsonb_array_elements(permission_overrides) o
		      WHERE NOT (o->>'target_type' = $2 AND o->>'target_id' = $3)),
		     '[]'::jsonb)
		 WHERE server_id = $1
		   AND permission_overrides @> jsonb_build_array(jsonb_build_object('target_type', $2::text, 'target_id', $3::text))`,
		serverID, string(targetType), strconv.FormatInt(targetID, 10),
	)
	return err
}

func (r *channelRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	return err
}

func (r *channelRepo) query(ctx context.Context, sql string, args ...any) ([]models.Channel, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := scanChannel(rows, &ch); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}
