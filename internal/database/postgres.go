package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/concord/internal/models"
)

func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	return pgxpool.NewWithConfig(ctx, config)
}

// encodeOverrides stores overrides as a jsonb array. A nil slice is stored
// as [] so array functions never see NULL.
func encodeOverrides(overrides []models.PermissionOverride) ([]byte, error) {
	if overrides == nil {
		overrides = []models.PermissionOverride{}
	}
	b, err := json.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("encoding overrides: %w", err)
	}
	return b, nil
}

func decodeOverrides(raw []byte) ([]models.PermissionOverride, error) {
	overrides := []models.PermissionOverride{}
	if len(raw) == 0 {
		return overrides, nil
	}
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("decoding overrides: %w", err)
	}
	return overrides, nil
}
