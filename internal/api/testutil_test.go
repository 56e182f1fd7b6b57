package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/labstack/echo/v4"

	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/permissions"
	redisclient "github.com/victorivanov/concord/internal/redis"
	"github.com/victorivanov/concord/internal/service"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestContext(method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

func setAuthUser(c echo.Context, userID int64) {
	c.Set("user_id", userID)
}

func testSnowflake() *snowflake.Node {
	node, _ := snowflake.NewNode(1)
	return node
}

func newTestRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := redisclient.NewClient("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("creating test redis client: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal error response: %v", err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Mock gateway and syncer
// ---------------------------------------------------------------------------

type dispatchedEvent struct {
	Room  string
	Event string
	Data  any
}

type mockGateway struct {
	mu     sync.Mutex
	events []dispatchedEvent
}

func (m *mockGateway) BroadcastToRoom(room, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, dispatchedEvent{Room: room, Event: event, Data: data})
}

func (m *mockGateway) BroadcastToUser(userID int64, event string, data any) {
	m.BroadcastToRoom(gateway.UserRoom(userID), event, data)
}

func (m *mockGateway) SessionsForUser(userID int64) []gateway.Session { return nil }

func (m *mockGateway) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type mockSyncer struct{}

func (mockSyncer) Enqueue(userID, channelID int64)                 {}
func (mockSyncer) EnqueueServer(serverID int64, userIDs []int64)   {}
func (mockSyncer) EnqueueChannel(channelID int64, userIDs []int64) {}

// ---------------------------------------------------------------------------
// Mock repositories
// ---------------------------------------------------------------------------

// mockServerRepo implements database.ServerRepository.
type mockServerRepo struct {
	CreateFn      func(ctx context.Context, server *models.Server) error
	GetByIDFn     func(ctx context.Context, id int64) (*models.Server, error)
	GetByUserIDFn func(ctx context.Context, userID int64) ([]models.Server, error)
	DeleteFn      func(ctx context.Context, id int64) error
}

func (m *mockServerRepo) Create(ctx context.Context, server *models.Server) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, server)
	}
	return nil
}

func (m *mockServerRepo) GetByID(ctx context.Context, id int64) (*models.Server, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockServerRepo) GetByUserID(ctx context.Context, userID int64) ([]models.Server, error) {
	if m.GetByUserIDFn != nil {
		return m.GetByUserIDFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockServerRepo) Delete(ctx context.Context, id int64) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, id)
	}
	return nil
}

// mockRoleRepo implements database.RoleRepository.
type mockRoleRepo struct {
	CreateFn         func(ctx context.Context, role *models.Role) error
	GetByIDFn        func(ctx context.Context, id int64) (*models.Role, error)
	GetByServerIDFn  func(ctx context.Context, serverID int64) ([]models.Role, error)
	UpdateFn         func(ctx context.Context, role *models.Role) error
	UpdatePositionFn func(ctx context.Context, roleID int64, position int) error
	DeleteFn         func(ctx context.Context, id int64) error
}

func (m *mockRoleRepo) Create(ctx context.Context, role *models.Role) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, role)
	}
	return nil
}

func (m *mockRoleRepo) GetByID(ctx context.Context, id int64) (*models.Role, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockRoleRepo) GetByServerID(ctx context.Context, serverID int64) ([]models.Role, error) {
	if m.GetByServerIDFn != nil {
		return m.GetByServerIDFn(ctx, serverID)
	}
	return nil, nil
}

func (m *mockRoleRepo) Update(ctx context.Context, role *models.Role) error {
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx, role)
	}
	return nil
}

func (m *mockRoleRepo) UpdatePosition(ctx context.Context, roleID int64, position int) error {
	if m.UpdatePositionFn != nil {
		return m.UpdatePositionFn(ctx, roleID, position)
	}
	return nil
}

func (m *mockRoleRepo) Delete(ctx context.Context, id int64) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, id)
	}
	return nil
}

// mockMemberRepo implements database.MemberRepository.
type mockMemberRepo struct {
	CreateFn              func(ctx context.Context, member *models.Member) error
	GetByServerAndUserFn  func(ctx context.Context, serverID, userID int64) (*models.Member, error)
	GetByServerIDFn       func(ctx context.Context, serverID int64) ([]models.Member, error)
	GetByServerAndUsersFn func(ctx context.Context, serverID int64, userIDs []int64) ([]models.Member, error)
	GetByRoleFn           func(ctx context.Context, serverID, roleID int64) ([]models.Member, error)
	SetRolesFn            func(ctx context.Context, serverID, userID int64, roleIDs []int64) error
	DeleteFn              func(ctx context.Context, serverID, userID int64) error
	RemoveRoleFromAllFn   func(ctx context.Context, serverID, roleID int64) error
	CountOwnersFn         func(ctx context.Context, serverID int64) (int, error)
}

func (m *mockMemberRepo) Create(ctx context.Context, member *models.Member) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, member)
	}
	return nil
}

func (m *mockMemberRepo) GetByServerAndUser(ctx context.Context, serverID, userID int64) (*models.Member, error) {
	if m.GetByServerAndUserFn != nil {
		return m.GetByServerAndUserFn(ctx, serverID, userID)
	}
	return nil, nil
}

func (m *mockMemberRepo) GetByServerID(ctx context.Context, serverID int64) ([]models.Member, error) {
	if m.GetByServerIDFn != nil {
		return m.GetByServerIDFn(ctx, serverID)
	}
	return nil, nil
}

func (m *mockMemberRepo) GetByServerAndUsers(ctx context.Context, serverID int64, userIDs []int64) ([]models.Member, error) {
	if m.GetByServerAndUsersFn != nil {
		return m.GetByServerAndUsersFn(ctx, serverID, userIDs)
	}
	return nil, nil
}

func (m *mockMemberRepo) GetByRole(ctx context.Context, serverID, roleID int64) ([]models.Member, error) {
	if m.GetByRoleFn != nil {
		return m.GetByRoleFn(ctx, serverID, roleID)
	}
	return nil, nil
}

func (m *mockMemberRepo) SetRoles(ctx context.Context, serverID, userID int64, roleIDs []int64) error {
	if m.SetRolesFn != nil {
		return m.SetRolesFn(ctx, serverID, userID, roleIDs)
	}
	return nil
}

func (m *mockMemberRepo) Delete(ctx context.Context, serverID, userID int64) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, serverID, userID)
	}
	return nil
}

func (m *mockMemberRepo) RemoveRoleFromAll(ctx context.Context, serverID, roleID int64) error {
	if m.RemoveRoleFromAllFn != nil {
		return m.RemoveRoleFromAllFn(ctx, serverID, roleID)
	}
	return nil
}

func (m *mockMemberRepo) CountOwners(ctx context.Context, serverID int64) (int, error) {
	if m.CountOwnersFn != nil {
		return m.CountOwnersFn(ctx, serverID)
	}
	return 0, nil
}

// mockChannelRepo implements database.ChannelRepository.
type mockChannelRepo struct {
	CreateFn               func(ctx context.Context, channel *models.Channel) error
	GetByIDFn              func(ctx context.Context, id int64) (*models.Channel, error)
	GetByServerIDFn        func(ctx context.Context, serverID int64) ([]models.Channel, error)
	GetDMsByUserFn         func(ctx context.Context, userID int64) ([]models.Channel, error)
	UpdateOverridesFn      func(ctx context.Context, channelID int64, overrides []models.PermissionOverride) error
	RemoveOverrideTargetFn func(ctx context.Context, serverID int64, targetType models.OverrideTargetType, targetID int64) error
	DeleteFn               func(ctx context.Context, id int64) error
}

func (m *mockChannelRepo) Create(ctx context.Context, channel *models.Channel) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, channel)
	}
	return nil
}

func (m *mockChannelRepo) GetByID(ctx context.Context, id int64) (*models.Channel, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockChannelRepo) GetByServerID(ctx context.Context, serverID int64) ([]models.Channel, error) {
	if m.GetByServerIDFn != nil {
		return m.GetByServerIDFn(ctx, serverID)
	}
	return nil, nil
}

func (m *mockChannelRepo) GetDMsByUser(ctx context.Context, userID int64) ([]models.Channel, error) {
	if m.GetDMsByUserFn != nil {
		return m.GetDMsByUserFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockChannelRepo) UpdateOverrides(ctx context.Context, channelID int64, overrides []models.PermissionOverride) error {
	if m.UpdateOverridesFn != nil {
		return m.UpdateOverridesFn(ctx, channelID, overrides)
	}
	return nil
}

func (m *mockChannelRepo) RemoveOverrideTarget(ctx context.Context, serverID int64, targetType models.OverrideTargetType, targetID int64) error {
	if m.RemoveOverrideTargetFn != nil {
		return m.RemoveOverrideTargetFn(ctx, serverID, targetType, targetID)
	}
	return nil
}

func (m *mockChannelRepo) Delete(ctx context.Context, id int64) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, id)
	}
	return nil
}

// mockMessageRepo implements database.MessageRepository.
type mockMessageRepo struct {
	CreateFn func(ctx context.Context, msg *models.Message) error
}

func (m *mockMessageRepo) Create(ctx context.Context, msg *models.Message) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, msg)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Standard server
// ---------------------------------------------------------------------------

const (
	testServerID  int64 = 1
	testChannelID int64 = 50
	testOwnerID   int64 = 100
	testModID     int64 = 200
	testUserID    int64 = 300

	testModRoleID  int64 = 10
	testHighRoleID int64 = 20
)

// mocks holds repositories preloaded with server 1: owner 100, moderator 200
// (role 10 at position 5 with MANAGE_ROLES, KICK_MEMBERS and MANAGE_CHANNELS),
// plain member 300, an unassigned role 20 at position 8 and channel 50.
// Individual tests override Fn fields before building handlers.
type mocks struct {
	servers  *mockServerRepo
	roles    *mockRoleRepo
	members  *mockMemberRepo
	channels *mockChannelRepo
	messages *mockMessageRepo
	gw       *mockGateway
}

func newMocks() *mocks {
	server := models.Server{ID: testServerID, Name: "test", OwnerID: testOwnerID, EveryoneRoleID: testServerID}
	roles := []models.Role{
		{ID: testServerID, ServerID: testServerID, Name: models.EveryoneRoleName, Permissions: permissions.DefaultEveryone.Tokens(), IsDefault: true},
		{ID: testModRoleID, ServerID: testServerID, Name: "Moderator", Position: 5, Permissions: []string{"MANAGE_ROLES", "KICK_MEMBERS", "MANAGE_CHANNELS"}},
		{ID: testHighRoleID, ServerID: testServerID, Name: "Admins", Position: 8},
	}
	members := map[int64]models.Member{
		testOwnerID: {ServerID: testServerID, UserID: testOwnerID, RoleIDs: []int64{}, IsOwner: true},
		testModID:   {ServerID: testServerID, UserID: testModID, RoleIDs: []int64{testModRoleID}},
		testUserID:  {ServerID: testServerID, UserID: testUserID, RoleIDs: []int64{}},
	}
	serverID := testServerID
	channel := models.Channel{ID: testChannelID, ServerID: &serverID, Name: "general", Type: models.ChannelTypeText, PermissionOverrides: []models.PermissionOverride{}}

	return &mocks{
		servers: &mockServerRepo{
			GetByIDFn: func(ctx context.Context, id int64) (*models.Server, error) {
				if id != testServerID {
					return nil, nil
				}
				s := server
				return &s, nil
			},
		},
		roles: &mockRoleRepo{
			GetByServerIDFn: func(ctx context.Context, id int64) ([]models.Role, error) {
				if id != testServerID {
					return nil, nil
				}
				return append([]models.Role{}, roles...), nil
			},
		},
		members: &mockMemberRepo{
			GetByServerAndUserFn: func(ctx context.Context, serverID, userID int64) (*models.Member, error) {
				m, ok := members[userID]
				if !ok || serverID != testServerID {
					return nil, nil
				}
				return &m, nil
			},
			GetByServerIDFn: func(ctx context.Context, serverID int64) ([]models.Member, error) {
				return []models.Member{members[testOwnerID], members[testModID], members[testUserID]}, nil
			},
			CountOwnersFn: func(ctx context.Context, serverID int64) (int, error) {
				return 1, nil
			},
		},
		channels: &mockChannelRepo{
			GetByIDFn: func(ctx context.Context, id int64) (*models.Channel, error) {
				if id != testChannelID {
					return nil, nil
				}
				c := channel
				return &c, nil
			},
		},
		messages: &mockMessageRepo{},
		gw:       &mockGateway{},
	}
}

func (m *mocks) checker() *service.PermissionChecker {
	return service.NewPermissionChecker(m.servers, m.roles, m.members, m.channels, nil, time.Minute)
}

func (m *mocks) roleHandler() *RoleHandler {
	return NewRoleHandler(service.NewRoleService(m.roles, m.members, m.channels, testSnowflake(), m.checker(), m.gw, mockSyncer{}))
}

func (m *mocks) memberHandler() *MemberHandler {
	return NewMemberHandler(service.NewMemberService(m.members, m.channels, m.checker(), m.gw, mockSyncer{}))
}

func (m *mocks) channelHandler() *ChannelHandler {
	checker := m.checker()
	ids := testSnowflake()
	return NewChannelHandler(
		service.NewChannelService(m.channels, m.members, ids, checker, m.gw, mockSyncer{}),
		service.NewServerService(m.servers, m.roles, m.members, m.channels, ids, checker, m.gw, mockSyncer{}),
	)
}

func (m *mocks) messageHandler() *MessageHandler {
	return NewMessageHandler(service.NewMessageService(m.messages, testSnowflake(), m.gw, m.checker()))
}

func (m *mocks) serverHandler() *ServerHandler {
	checker := m.checker()
	return NewServerHandler(service.NewServerService(m.servers, m.roles, m.members, m.channels, testSnowflake(), checker, m.gw, mockSyncer{}))
}
