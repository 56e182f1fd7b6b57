package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	goredis "github.com/redis/go-redis/v9"

	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/redis"
)

// ---------------------------------------------------------------------------
// In-memory store implementing every repository
// ---------------------------------------------------------------------------

var errStoreDown = errors.New("store unavailable")

type memStore struct {
	mu       sync.Mutex
	servers  map[int64]models.Server
	roles    map[int64]models.Role
	members  map[[2]int64]models.Member
	channels map[int64]models.Channel
	messages []models.Message

	// failWrites makes every write return errStoreDown.
	failWrites bool
}

func newMemStore() *memStore {
	return &memStore{
		servers:  make(map[int64]models.Server),
		roles:    make(map[int64]models.Role),
		members:  make(map[[2]int64]models.Member),
		channels: make(map[int64]models.Channel),
	}
}

func (s *memStore) write() error {
	if s.failWrites {
		return errStoreDown
	}
	return nil
}

func (s *memStore) member(serverID, userID int64) (models.Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[[2]int64{serverID, userID}]
	return m, ok
}

func (s *memStore) channel(id int64) models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

type memServers struct{ *memStore }

func (r memServers) Create(ctx context.Context, sv *models.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	r.servers[sv.ID] = *sv
	return nil
}

func (r memServers) GetByID(ctx context.Context, id int64) (*models.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sv, ok := r.servers[id]
	if !ok {
		return nil, nil
	}
	return &sv, nil
}

func (r memServers) GetByUserID(ctx context.Context, userID int64) ([]models.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Server
	for k := range r.members {
		if k[1] == userID {
			if sv, ok := r.servers[k[0]]; ok {
				out = append(out, sv)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memServers) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, id)
	return nil
}

type memRoles struct{ *memStore }

func (r memRoles) Create(ctx context.Context, role *models.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	r.roles[role.ID] = *role
	return nil
}

func (r memRoles) GetByID(ctx context.Context, id int64) (*models.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	if !ok {
		return nil, nil
	}
	return &role, nil
}

func (r memRoles) GetByServerID(ctx context.Context, serverID int64) ([]models.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Role
	for _, role := range r.roles {
		if role.ServerID == serverID {
			out = append(out, role)
		}
	}
	sortRoles(out)
	return out, nil
}

func (r memRoles) Update(ctx context.Context, role *models.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	r.roles[role.ID] = *role
	return nil
}

func (r memRoles) UpdatePosition(ctx context.Context, roleID int64, position int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	role := r.roles[roleID]
	role.Position = position
	r.roles[roleID] = role
	return nil
}

func (r memRoles) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	delete(r.roles, id)
	return nil
}

type memMembers struct{ *memStore }

func (r memMembers) Create(ctx context.Context, m *models.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	r.members[[2]int64{m.ServerID, m.UserID}] = *m
	return nil
}

func (r memMembers) GetByServerAndUser(ctx context.Context, serverID, userID int64) (*models.Member, error) {
	m, ok := r.member(serverID, userID)
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r memMembers) GetByServerID(ctx context.Context, serverID int64) ([]models.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Member
	for k, m := range r.members {
		if k[0] == serverID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r memMembers) GetByServerAndUsers(ctx context.Context, serverID int64, userIDs []int64) ([]models.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Member
	for _, id := range userIDs {
		if m, ok := r.members[[2]int64{serverID, id}]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r memMembers) GetByRole(ctx context.Context, serverID, roleID int64) ([]models.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Member
	for k, m := range r.members {
		if k[0] == serverID && m.HasRole(roleID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r memMembers) SetRoles(ctx context.Context, serverID, userID int64, roleIDs []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	key := [2]int64{serverID, userID}
	m := r.members[key]
	m.RoleIDs = append([]int64{}, roleIDs...)
	r.members[key] = m
	return nil
}

func (r memMembers) Delete(ctx context.Context, serverID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	delete(r.members, [2]int64{serverID, userID})
	return nil
}

func (r memMembers) RemoveRoleFromAll(ctx context.Context, serverID, roleID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	for k, m := range r.members {
		if k[0] != serverID {
			continue
		}
		kept := m.RoleIDs[:0:0]
		for _, id := range m.RoleIDs {
			if id != roleID {
				kept = append(kept, id)
			}
		}
		m.RoleIDs = kept
		r.members[k] = m
	}
	return nil
}

func (r memMembers) CountOwners(ctx context.Context, serverID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, m := range r.members {
		if k[0] == serverID && m.IsOwner {
			n++
		}
	}
	return n, nil
}

type memChannels struct{ *memStore }

func (r memChannels) Create(ctx context.Context, c *models.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	r.channels[c.ID] = *c
	return nil
}

func (r memChannels) GetByID(ctx context.Context, id int64) (*models.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[id]
	if !ok {
		return nil, nil
	}
	c.PermissionOverrides = append([]models.PermissionOverride{}, c.PermissionOverrides...)
	return &c, nil
}

func (r memChannels) GetByServerID(ctx context.Context, serverID int64) ([]models.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Channel
	for _, c := range r.channels {
		if c.ServerID != nil && *c.ServerID == serverID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memChannels) GetDMsByUser(ctx context.Context, userID int64) ([]models.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Channel
	for _, c := range r.channels {
		if c.IsDM() && c.HasRecipient(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memChannels) UpdateOverrides(ctx context.Context, channelID int64, overrides []models.PermissionOverride) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	c := r.channels[channelID]
	c.PermissionOverrides = append([]models.PermissionOverride{}, overrides...)
	r.channels[channelID] = c
	return nil
}

func (r memChannels) RemoveOverrideTarget(ctx context.Context, serverID int64, targetType models.OverrideTargetType, targetID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	for id, c := range r.channels {
		if c.ServerID == nil || *c.ServerID != serverID {
			continue
		}
		var kept []models.PermissionOverride
		for _, o := range c.PermissionOverrides {
			if o.TargetType == targetType && o.TargetID == targetID {
				continue
			}
			kept = append(kept, o)
		}
		c.PermissionOverrides = kept
		r.channels[id] = c
	}
	return nil
}

func (r memChannels) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
	return nil
}

type memMessages struct{ *memStore }

func (r memMessages) Create(ctx context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(); err != nil {
		return err
	}
	r.messages = append(r.messages, *msg)
	return nil
}

// ---------------------------------------------------------------------------
// Fake gateway and syncer
// ---------------------------------------------------------------------------

type broadcast struct {
	Room  string
	Event string
	Data  any
}

type fakeSession struct {
	id     string
	userID int64

	mu    sync.Mutex
	rooms map[string]bool
}

func (s *fakeSession) ID() string    { return s.id }
func (s *fakeSession) UserID() int64 { return s.userID }

func (s *fakeSession) JoinRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = true
}

func (s *fakeSession) LeaveRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

func (s *fakeSession) in(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[room]
}

type fakeGateway struct {
	mu         sync.Mutex
	broadcasts []broadcast
	sessions   map[int64][]*fakeSession
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sessions: make(map[int64][]*fakeSession)}
}

func (g *fakeGateway) connect(userID int64, id string, rooms ...string) *fakeSession {
	s := &fakeSession{id: id, userID: userID, rooms: make(map[string]bool)}
	for _, r := range rooms {
		s.rooms[r] = true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[userID] = append(g.sessions[userID], s)
	return s
}

func (g *fakeGateway) BroadcastToRoom(room, event string, data any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcasts = append(g.broadcasts, broadcast{Room: room, Event: event, Data: data})
}

func (g *fakeGateway) BroadcastToUser(userID int64, event string, data any) {
	g.BroadcastToRoom(gateway.UserRoom(userID), event, data)
}

func (g *fakeGateway) SessionsForUser(userID int64) []gateway.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gateway.Session, 0, len(g.sessions[userID]))
	for _, s := range g.sessions[userID] {
		out = append(out, s)
	}
	return out
}

// sent returns the broadcasts of one event, in order.
func (g *fakeGateway) sent(event string) []broadcast {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []broadcast
	for _, b := range g.broadcasts {
		if b.Event == event {
			out = append(out, b)
		}
	}
	return out
}

type syncCall struct {
	Kind      string
	ServerID  int64
	ChannelID int64
	UserIDs   []int64
}

type recordingSyncer struct {
	mu    sync.Mutex
	calls []syncCall
}

func (r *recordingSyncer) Enqueue(userID, channelID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, syncCall{Kind: "pair", ChannelID: channelID, UserIDs: []int64{userID}})
}

func (r *recordingSyncer) EnqueueServer(serverID int64, userIDs []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, syncCall{Kind: "server", ServerID: serverID, UserIDs: userIDs})
}

func (r *recordingSyncer) EnqueueChannel(channelID int64, userIDs []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, syncCall{Kind: "channel", ChannelID: channelID, UserIDs: userIDs})
}

func (r *recordingSyncer) all() []syncCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]syncCall{}, r.calls...)
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

const (
	ownerID int64 = 1
	modID   int64 = 2
	userID  int64 = 3
	otherID int64 = 4
)

// fixture is a server with a #general channel, a Moderator role (position 5,
// MANAGE_ROLES + KICK_MEMBERS + MANAGE_CHANNELS) held by modID, a Muted role
// (position 1) and plain members userID and otherID.
type fixture struct {
	t        *testing.T
	store    *memStore
	gw       *fakeGateway
	syncer   *recordingSyncer
	checker  *PermissionChecker
	roles    *RoleService
	members  *MemberService
	channels *ChannelService
	messages *MessageService
	servers  *ServerService

	serverID  int64
	everyone  int64
	modRole   int64
	mutedRole int64
	general   int64
}

func testSnowflake(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("creating snowflake node: %v", err)
	}
	return node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, &recordingSyncer{})
}

// newFixtureWith wires the services over a fresh store. cache may be nil.
func newFixtureWith(t *testing.T, cache PermissionCache, syncer Syncer) *fixture {
	t.Helper()
	st := newMemStore()
	gw := newFakeGateway()
	ids := testSnowflake(t)

	checker := NewPermissionChecker(memServers{st}, memRoles{st}, memMembers{st}, memChannels{st}, cache, time.Minute)
	f := &fixture{
		t:        t,
		store:    st,
		gw:       gw,
		checker:  checker,
		roles:    NewRoleService(memRoles{st}, memMembers{st}, memChannels{st}, ids, checker, gw, syncer),
		members:  NewMemberService(memMembers{st}, memChannels{st}, checker, gw, syncer),
		channels: NewChannelService(memChannels{st}, memMembers{st}, ids, checker, gw, syncer),
		messages: NewMessageService(memMessages{st}, ids, gw, checker),
		servers:  NewServerService(memServers{st}, memRoles{st}, memMembers{st}, memChannels{st}, ids, checker, gw, syncer),
	}
	if rs, ok := syncer.(*recordingSyncer); ok {
		f.syncer = rs
	}

	ctx := context.Background()
	server, err := f.servers.CreateServer(ctx, ownerID, "fixture")
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	f.serverID = server.ID
	f.everyone = server.EveryoneRoleID

	channels, _ := memChannels{st}.GetByServerID(ctx, server.ID)
	f.general = channels[0].ID

	mod, err := f.roles.CreateRole(ctx, server.ID, ownerID, CreateRoleParams{
		Name:        "Moderator",
		Permissions: []string{"MANAGE_ROLES", "KICK_MEMBERS", "MANAGE_CHANNELS"},
		Position:    intPtr(5),
	})
	if err != nil {
		t.Fatalf("creating moderator role: %v", err)
	}
	f.modRole = mod.ID

	muted, err := f.roles.CreateRole(ctx, server.ID, ownerID, CreateRoleParams{Name: "Muted", Position: intPtr(1)})
	if err != nil {
		t.Fatalf("creating muted role: %v", err)
	}
	f.mutedRole = muted.ID

	for _, id := range []int64{modID, userID, otherID} {
		if _, err := f.servers.AddMember(ctx, server.ID, id); err != nil {
			t.Fatalf("adding member %d: %v", id, err)
		}
	}
	if _, err := f.members.UpdateMemberRoles(ctx, server.ID, ownerID, modID, []int64{mod.ID}); err != nil {
		t.Fatalf("assigning moderator: %v", err)
	}

	// Start every test with a clean event log.
	gw.mu.Lock()
	gw.broadcasts = nil
	gw.mu.Unlock()
	if f.syncer != nil {
		f.syncer.mu.Lock()
		f.syncer.calls = nil
		f.syncer.mu.Unlock()
	}
	return f
}

func intPtr(v int) *int { return &v }

// newTestCache returns a miniredis-backed permission cache.
func newTestCache(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()})), mr
}

// assertServiceError fails unless err is a *ServiceError wrapping sentinel.
func assertServiceError(t *testing.T, err error, sentinel error) *ServiceError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error wrapping %v, got nil", sentinel)
	}
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected error wrapping %v, got %v (%s)", sentinel, se.Err, se.Code)
	}
	return se
}
