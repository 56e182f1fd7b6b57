package models

import "time"

// Server is a guild: the unit that owns roles, members and channels.
type Server struct {
	ID             int64     `json:"id,string"`
	Name           string    `json:"name"`
	OwnerID        int64     `json:"owner_id,string"`
	EveryoneRoleID int64     `json:"everyone_role_id,string"`
	CreatedAt      time.Time `json:"created_at"`
}
