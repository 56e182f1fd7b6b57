package gateway

import "encoding/json"

// Op codes for gateway payloads.
const (
	OpDispatch     = 0
	OpHeartbeat    = 1
	OpIdentify     = 2
	OpResume       = 6
	OpReconnect    = 7
	OpHello        = 10
	OpHeartbeatAck = 11
)

// Event names for DISPATCH payloads.
const (
	EventReady             = "READY"
	EventResumed           = "RESUMED"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventChannelCreate     = "CHANNEL_CREATE"
	EventChannelUpdate     = "CHANNEL_UPDATE"
	EventGuildMemberUpdate = "GUILD_MEMBER_UPDATE"
	EventGuildMemberRemove = "GUILD_MEMBER_REMOVE"
	EventGuildRoleCreate   = "GUILD_ROLE_CREATE"
	EventGuildRoleUpdate   = "GUILD_ROLE_UPDATE"
	EventGuildRoleDelete   = "GUILD_ROLE_DELETE"
	EventPermissionsUpdate = "PERMISSIONS_UPDATE"
)

// GatewayPayload is the envelope for all gateway messages.
type GatewayPayload struct {
	Op       int             `json:"op"`
	Data     json.RawMessage `json:"d,omitempty"`
	Sequence *int64          `json:"s,omitempty"`
	Event    *string         `json:"t,omitempty"`
}

// IdentifyData is sent by the client in an Op 2 IDENTIFY.
type IdentifyData struct {
	Token string `json:"token"`
}

// ResumeData is sent by the client in an Op 6 RESUME.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// HelloData is sent by the server after WebSocket connect.
type HelloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// ReadyData is sent by the server after successful IDENTIFY.
type ReadyData struct {
	SessionID string   `json:"session_id"`
	UserID    int64    `json:"user_id,string"`
	Rooms     []string `json:"rooms"`
}

// Event is a dispatch event ready to broadcast.
type Event struct {
	Name string
	Data any
}

// PermissionsUpdateData tells clients to refetch permissions. ChannelID is
// set when only one channel's overrides changed, UserID when only one
// member's roles changed.
type PermissionsUpdateData struct {
	ServerID  int64  `json:"server_id,string"`
	ChannelID *int64 `json:"channel_id,string,omitempty"`
	UserID    *int64 `json:"user_id,string,omitempty"`
}

// RoleDeleteData is the payload for GUILD_ROLE_DELETE.
type RoleDeleteData struct {
	ServerID int64 `json:"server_id,string"`
	RoleID   int64 `json:"role_id,string"`
}

// MemberRemoveData is the payload for GUILD_MEMBER_REMOVE.
type MemberRemoveData struct {
	ServerID int64 `json:"server_id,string"`
	UserID   int64 `json:"user_id,string"`
}

// mustMarshal is for payload types defined in this file, which always encode.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("gateway: " + err.Error())
	}
	return data
}
