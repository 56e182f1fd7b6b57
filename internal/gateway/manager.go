package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/victorivanov/concord/internal/auth"
)

const (
	replayBufferSize = 100
	resolveTimeout   = 5 * time.Second
)

// Manager manages all active WebSocket sessions and room membership.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Connection            // sessionID → connection
	users    map[int64]map[string]*Connection  // userID → sessionID → connection
	rooms    map[string]map[string]*Connection // room → sessionID → connection

	// seq orders every dispatch across all rooms so RESUME can replay from
	// a single client-side cursor.
	seq atomic.Int64

	// Ring buffer per room for session resume replay.
	replayMu     sync.RWMutex
	replayBuffer map[string]*ringBuffer

	tokens   *auth.TokenService
	resolver RoomResolver

	// origins lists the browser origins allowed to open a session; empty
	// allows any. Set before serving.
	origins []string
}

var _ Broadcaster = (*Manager)(nil)

// NewManager creates a new gateway Manager. resolver may be nil, in which
// case sessions only join their own user room.
func NewManager(tokens *auth.TokenService, resolver RoomResolver) *Manager {
	return &Manager{
		sessions:     make(map[string]*Connection),
		users:        make(map[int64]map[string]*Connection),
		rooms:        make(map[string]map[string]*Connection),
		replayBuffer: make(map[string]*ringBuffer),
		tokens:       tokens,
		resolver:     resolver,
	}
}

func (m *Manager) nextSequence() int64 {
	return m.seq.Add(1)
}

// register adds a connection to the manager. A live connection holding the
// same session ID (a stale socket being resumed) is displaced.
func (m *Manager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, userID := c.ID(), c.UserID()
	if old, ok := m.sessions[sessionID]; ok && old != c {
		m.removeLocked(old)
		old.SendPayload(GatewayPayload{Op: OpReconnect})
		old.Close()
	}

	m.sessions[sessionID] = c
	if m.users[userID] == nil {
		m.users[userID] = make(map[string]*Connection)
	}
	m.users[userID][sessionID] = c
}

// unregister removes a connection from the manager and all of its rooms.
func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[c.ID()]; ok && existing == c {
		m.removeLocked(c)
	}
}

func (m *Manager) removeLocked(c *Connection) {
	for room := range c.rooms {
		m.leaveLocked(c, room)
	}
	sessionID, userID := c.ID(), c.UserID()
	delete(m.sessions, sessionID)
	if sessions, ok := m.users[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.users, userID)
		}
	}
}

func (m *Manager) join(c *Connection, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Closed or never-identified connections must not leak into rooms.
	sessionID := c.ID()
	if sessionID == "" || m.sessions[sessionID] != c {
		return
	}
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]*Connection)
	}
	m.rooms[room][sessionID] = c
	c.rooms[room] = true
}

func (m *Manager) leave(c *Connection, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(c, room)
}

func (m *Manager) leaveLocked(c *Connection, room string) {
	delete(c.rooms, room)
	if members, ok := m.rooms[room]; ok {
		delete(members, c.ID())
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
}

// BroadcastToRoom sends a dispatch event to every session in room.
func (m *Manager) BroadcastToRoom(room, event string, data any) {
	seq := m.nextSequence()

	m.mu.RLock()
	members := m.rooms[room]
	conns := make([]*Connection, 0, len(members))
	for _, c := range members {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.sendSequenced(event, data, seq)
	}

	m.storeReplayEvent(room, seq, Event{Name: event, Data: data})
}

// BroadcastToUser sends a dispatch event to every session of one user.
func (m *Manager) BroadcastToUser(userID int64, event string, data any) {
	m.BroadcastToRoom(UserRoom(userID), event, data)
}

// SessionsForUser returns the user's live sessions ordered by session ID.
func (m *Manager) SessionsForUser(userID int64) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := m.users[userID]
	out := make([]Session, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// resolveRooms asks the resolver which rooms userID may join. The user's own
// room is always included.
func (m *Manager) resolveRooms(userID int64) ([]string, error) {
	rooms := []string{UserRoom(userID)}
	if m.resolver == nil {
		return rooms, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	allowed, err := m.resolver.AllowedRooms(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, r := range allowed {
		if r != rooms[0] {
			rooms = append(rooms, r)
		}
	}
	return rooms, nil
}

// joinAllowedRooms joins a registered session to the rooms its user may
// see. Rooms are resolved a second time after joining: an eviction that
// raced the first resolve either finds the session already in the room or
// committed before the second resolve, which then drops the room.
func (m *Manager) joinAllowedRooms(c *Connection) ([]string, error) {
	rooms, err := m.resolveRooms(c.UserID())
	if err != nil {
		return nil, err
	}
	for _, room := range rooms {
		c.JoinRoom(room)
	}
	if m.resolver == nil {
		return rooms, nil
	}

	current, err := m.resolveRooms(c.UserID())
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(current))
	for _, room := range current {
		keep[room] = true
		c.JoinRoom(room)
	}
	for _, room := range rooms {
		if !keep[room] {
			c.LeaveRoom(room)
		}
	}
	return current, nil
}

// handleIdentify processes an IDENTIFY payload from a client.
func (m *Manager) handleIdentify(c *Connection, data json.RawMessage) {
	if c.ID() != "" {
		return // already identified
	}
	var identify IdentifyData
	if err := json.Unmarshal(data, &identify); err != nil {
		slog.Error("invalid identify data", "error", err)
		c.Close()
		return
	}

	claims, err := m.tokens.ValidateAccessToken(identify.Token)
	if err != nil {
		slog.Warn("invalid token in identify", "error", err)
		c.Close()
		return
	}

	c.identify(claims.UserID, uuid.NewString())
	m.register(c)

	rooms, err := m.joinAllowedRooms(c)
	if err != nil {
		slog.Error("failed to resolve rooms for user", "userID", c.UserID(), "error", err)
		c.Close()
		return
	}

	c.SendEvent(EventReady, ReadyData{
		SessionID: c.ID(),
		UserID:    c.UserID(),
		Rooms:     rooms,
	})
}

// handleResume processes a RESUME payload. Rooms are resolved afresh so a
// session never regains a room it lost while disconnected; missed events
// from the allowed rooms are replayed in sequence order.
func (m *Manager) handleResume(c *Connection, data json.RawMessage) {
	if c.ID() != "" {
		return
	}
	var resume ResumeData
	if err := json.Unmarshal(data, &resume); err != nil || resume.SessionID == "" {
		slog.Error("invalid resume data", "error", err)
		c.SendPayload(GatewayPayload{Op: OpReconnect})
		c.Close()
		return
	}

	claims, err := m.tokens.ValidateAccessToken(resume.Token)
	if err != nil {
		slog.Warn("invalid token in resume", "error", err)
		c.Close()
		return
	}

	m.mu.RLock()
	old, live := m.sessions[resume.SessionID]
	m.mu.RUnlock()
	if live && old.UserID() != claims.UserID {
		slog.Warn("resume of foreign session rejected", "userID", claims.UserID)
		c.SendPayload(GatewayPayload{Op: OpReconnect})
		c.Close()
		return
	}

	c.identify(claims.UserID, resume.SessionID)
	m.register(c)

	rooms, err := m.joinAllowedRooms(c)
	if err != nil {
		slog.Error("failed to resolve rooms on resume", "userID", c.UserID(), "error", err)
		c.SendPayload(GatewayPayload{Op: OpReconnect})
		c.Close()
		return
	}

	for _, ev := range m.replaySince(rooms, resume.Sequence) {
		c.sendSequenced(ev.Name, ev.Data, ev.Sequence)
	}
	c.SendEvent(EventResumed, struct{}{})
}

// replaySince collects buffered events newer than afterSeq from rooms.
func (m *Manager) replaySince(rooms []string, afterSeq int64) []sequencedEvent {
	m.replayMu.RLock()
	defer m.replayMu.RUnlock()

	var events []sequencedEvent
	for _, room := range rooms {
		if rb, ok := m.replayBuffer[room]; ok {
			events = append(events, rb.since(afterSeq)...)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return events
}

// storeReplayEvent adds an event to the room's replay ring buffer.
func (m *Manager) storeReplayEvent(room string, seq int64, event Event) {
	m.replayMu.Lock()
	defer m.replayMu.Unlock()

	rb, ok := m.replayBuffer[room]
	if !ok {
		rb = newRingBuffer(replayBufferSize)
		m.replayBuffer[room] = rb
	}
	rb.add(seq, event)
}

// sequencedEvent pairs an event with its sequence number for replay.
type sequencedEvent struct {
	Sequence int64
	Event
}

// ringBuffer is a fixed-size circular buffer for replay events.
type ringBuffer struct {
	events []sequencedEvent
	size   int
	pos    int
	full   bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		events: make([]sequencedEvent, size),
		size:   size,
	}
}

func (rb *ringBuffer) add(seq int64, event Event) {
	rb.events[rb.pos] = sequencedEvent{Sequence: seq, Event: event}
	rb.pos = (rb.pos + 1) % rb.size
	if rb.pos == 0 {
		rb.full = true
	}
}

// since returns all events with sequence > afterSeq, oldest first.
func (rb *ringBuffer) since(afterSeq int64) []sequencedEvent {
	var result []sequencedEvent
	count := rb.size
	if !rb.full {
		count = rb.pos
	}

	start := 0
	if rb.full {
		start = rb.pos
	}

	for i := 0; i < count; i++ {
		idx := (start + i) % rb.size
		if rb.events[idx].Sequence > afterSeq {
			result = append(result, rb.events[idx])
		}
	}
	return result
}
