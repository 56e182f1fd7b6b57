package models

// EveryoneRoleName is the conventional name of a server's default role.
const EveryoneRoleName = "@everyone"

type Role struct {
	ID          int64    `json:"id,string"`
	ServerID    int64    `json:"server_id,string"`
	Name        string   `json:"name"`
	Color       string   `json:"color"`
	Permissions []string `json:"permissions"`
	Position    int      `json:"position"`
	IsDefault   bool     `json:"is_default"`
}

// RolePosition is one entry of a bulk role reorder.
type RolePosition struct {
	RoleID   int64 `json:"role_id,string"`
	Position int   `json:"position"`
}
