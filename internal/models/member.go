package models

import "time"

type Member struct {
	ServerID int64     `json:"server_id,string"`
	UserID   int64     `json:"user_id,string"`
	Nickname *string   `json:"nickname,omitempty"`
	RoleIDs  []int64   `json:"role_ids"`
	IsOwner  bool      `json:"is_owner"`
	JoinedAt time.Time `json:"joined_at"`
}

// HasRole reports whether roleID is among the member's assigned roles.
func (m Member) HasRole(roleID int64) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}
