package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	heartbeatInterval = 41250 * time.Millisecond
	heartbeatTimeout  = 10 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	maxMessageSize    = 4096
	sendBufferSize    = 256
)

// Connection represents a single WebSocket client connection. It implements
// Session once identified.
type Connection struct {
	// ident is set once by IDENTIFY or RESUME on the read goroutine and
	// read from the write goroutine and by broadcasters.
	ident atomic.Pointer[sessionIdentity]

	Conn    *websocket.Conn
	Send    chan []byte
	manager *Manager

	// rooms is guarded by manager.mu.
	rooms map[string]bool

	closeOnce sync.Once
	done      chan struct{}

	lastHeartbeat atomic.Int64 // unix millis of last heartbeat from client
}

func newConnection(conn *websocket.Conn, manager *Manager) *Connection {
	c := &Connection{
		Conn:    conn,
		Send:    make(chan []byte, sendBufferSize),
		manager: manager,
		rooms:   make(map[string]bool),
		done:    make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().UnixMilli())
	return c
}

type sessionIdentity struct {
	userID    int64
	sessionID string
}

// identify binds the connection to a user and session.
func (c *Connection) identify(userID int64, sessionID string) {
	c.ident.Store(&sessionIdentity{userID: userID, sessionID: sessionID})
}

// ID returns the session ID, or "" before IDENTIFY.
func (c *Connection) ID() string {
	if id := c.ident.Load(); id != nil {
		return id.sessionID
	}
	return ""
}

// UserID returns the identified user, or 0 before IDENTIFY.
func (c *Connection) UserID() int64 {
	if id := c.ident.Load(); id != nil {
		return id.userID
	}
	return 0
}

// JoinRoom subscribes this session to room.
func (c *Connection) JoinRoom(room string) { c.manager.join(c, room) }

// LeaveRoom unsubscribes this session from room. Leaving a room the session
// is not in is a no-op.
func (c *Connection) LeaveRoom(room string) { c.manager.leave(c, room) }

// SendPayload marshals and queues a payload to be sent.
func (c *Connection) SendPayload(p GatewayPayload) {
	data, err := json.Marshal(p)
	if err != nil {
		slog.Error("marshal error", "userID", c.UserID(), "error", err)
		return
	}
	select {
	case c.Send <- data:
	default:
		slog.Warn("send buffer full, dropping message", "userID", c.UserID(), "sessionID", c.ID())
	}
}

// SendEvent sends a dispatch event stamped with a fresh manager sequence.
func (c *Connection) SendEvent(name string, data any) {
	c.sendSequenced(name, data, c.manager.nextSequence())
}

func (c *Connection) sendSequenced(name string, data any, seq int64) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("marshal event error", "event", name, "error", err)
		return
	}
	c.SendPayload(GatewayPayload{
		Op:       OpDispatch,
		Data:     raw,
		Sequence: &seq,
		Event:    &name,
	})
}

// Close terminates the connection.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

// readPump reads messages from the WebSocket and handles them.
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("read error", "userID", c.UserID(), "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump writes messages from the Send channel to the WebSocket,
// and sends heartbeats on a timer.
func (c *Connection) writePump() {
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer func() {
		heartbeatTicker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-heartbeatTicker.C:
			lastAck := c.lastHeartbeat.Load()
			if time.Since(time.UnixMilli(lastAck)) > heartbeatInterval+heartbeatTimeout {
				slog.Warn("heartbeat timeout", "userID", c.UserID())
				return
			}
			c.SendPayload(GatewayPayload{Op: OpHeartbeat})

		case <-c.done:
			return
		}
	}
}

// handleMessage processes an incoming gateway payload from the client.
func (c *Connection) handleMessage(data []byte) {
	var payload GatewayPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Error("invalid payload", "userID", c.UserID(), "error", err)
		return
	}

	switch payload.Op {
	case OpHeartbeat:
		c.lastHeartbeat.Store(time.Now().UnixMilli())
		c.SendPayload(GatewayPayload{Op: OpHeartbeatAck})

	case OpIdentify:
		c.manager.handleIdentify(c, payload.Data)

	case OpResume:
		c.manager.handleResume(c, payload.Data)
	}
}
