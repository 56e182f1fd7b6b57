package gateway

import (
	"context"
	"strconv"
)

// Session is one live gateway connection as seen by the rest of the
// application. A user may hold several at once.
type Session interface {
	ID() string
	UserID() int64
	JoinRoom(room string)
	LeaveRoom(room string)
}

// Broadcaster is the interface used by services and the permission
// synchronizer to fan events out to connected clients. The concrete Manager
// implements this interface.
type Broadcaster interface {
	BroadcastToRoom(room, event string, data any)
	BroadcastToUser(userID int64, event string, data any)
	SessionsForUser(userID int64) []Session
}

// RoomResolver decides which rooms a freshly identified session may join.
type RoomResolver interface {
	AllowedRooms(ctx context.Context, userID int64) ([]string, error)
}

func ServerRoom(serverID int64) string {
	return "server:" + strconv.FormatInt(serverID, 10)
}

func ChannelRoom(channelID int64) string {
	return "channel:" + strconv.FormatInt(channelID, 10)
}

func UserRoom(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}
