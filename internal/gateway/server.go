package gateway

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// AllowOrigins restricts which Origin headers may open a gateway session.
// Requests without an Origin header (non-browser clients) are always allowed.
func (m *Manager) AllowOrigins(origins []string) {
	m.origins = origins
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(m.origins) == 0 {
		return true
	}
	return slices.ContainsFunc(m.origins, func(o string) bool { return strings.EqualFold(o, origin) })
}

// HandleWebSocket handles GET /gateway by upgrading to WebSocket.
func (m *Manager) HandleWebSocket(c echo.Context) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("gateway upgrade failed", "origin", c.Request().Header.Get("Origin"), "error", err)
		return nil
	}

	m.serve(ws)
	return nil
}

// serve sends HELLO and starts the connection pumps.
func (m *Manager) serve(ws *websocket.Conn) {
	conn := newConnection(ws, m)
	conn.SendPayload(GatewayPayload{
		Op: OpHello,
		Data: mustMarshal(HelloData{
			HeartbeatInterval: int(heartbeatInterval.Milliseconds()),
		}),
	})

	go conn.writePump()
	go conn.readPump()
}
