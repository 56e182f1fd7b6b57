package database

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victorivanov/concord/internal/models"
)

// testPool returns a pgxpool.Pool connected to the test database.
// It skips the test if DATABASE_URL is not set.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	pool, err := NewPostgresPool(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// testIDCounter provides unique IDs across all tests in the package.
// Starts well above zero to avoid conflicts with any existing data.
var testIDCounter int64 = 100000

func nextID() int64 {
	return atomic.AddInt64(&testIDCounter, 1)
}

// createTestServer inserts a server with its @everyone role and an owner
// member. Cascading deletes clean up everything hanging off it.
func createTestServer(t *testing.T, pool *pgxpool.Pool) (*models.Server, *models.Role) {
	t.Helper()
	ctx := context.Background()

	server := &models.Server{
		ID:        nextID(),
		Name:      "test server",
		OwnerID:   nextID(),
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}
	server.EveryoneRoleID = server.ID
	if err := NewServerRepository(pool).Create(ctx, server); err != nil {
		t.Fatalf("creating server: %v", err)
	}
	t.Cleanup(func() { _ = NewServerRepository(pool).Delete(ctx, server.ID) })

	everyone := &models.Role{
		ID:          server.EveryoneRoleID,
		ServerID:    server.ID,
		Name:        models.EveryoneRoleName,
		Permissions: []string{"VIEW_CHANNEL", "SEND_MESSAGES"},
		IsDefault:   true,
	}
	if err := NewRoleRepository(pool).Create(ctx, everyone); err != nil {
		t.Fatalf("creating @everyone: %v", err)
	}

	owner := &models.Member{ServerID: server.ID, UserID: server.OwnerID, IsOwner: true, JoinedAt: server.CreatedAt}
	if err := NewMemberRepository(pool).Create(ctx, owner); err != nil {
		t.Fatalf("creating owner: %v", err)
	}
	return server, everyone
}

func createTestMember(t *testing.T, pool *pgxpool.Pool, serverID int64, roleIDs ...int64) *models.Member {
	t.Helper()
	m := &models.Member{
		ServerID: serverID,
		UserID:   nextID(),
		RoleIDs:  roleIDs,
		JoinedAt: time.Now().Truncate(time.Microsecond),
	}
	if err := NewMemberRepository(pool).Create(context.Background(), m); err != nil {
		t.Fatalf("creating member: %v", err)
	}
	return m
}

func createTestChannel(t *testing.T, pool *pgxpool.Pool, serverID int64, overrides ...models.PermissionOverride) *models.Channel {
	t.Helper()
	ch := &models.Channel{
		ID:                  nextID(),
		ServerID:            &serverID,
		Name:                "general",
		Type:                models.ChannelTypeText,
		PermissionOverrides: overrides,
	}
	if err := NewChannelRepository(pool).Create(context.Background(), ch); err != nil {
		t.Fatalf("creating channel: %v", err)
	}
	return ch
}
