package models

type ChannelType string

const (
	ChannelTypeText     ChannelType = "GUILD_TEXT"
	ChannelTypeVoice    ChannelType = "GUILD_VOICE"
	ChannelTypeCategory ChannelType = "GUILD_CATEGORY"
	ChannelTypeDM       ChannelType = "DM"
)

type OverrideTargetType string

const (
	OverrideTargetRole   OverrideTargetType = "role"
	OverrideTargetMember OverrideTargetType = "member"
)

// PermissionOverride layers allow/deny tokens for one role or member on top
// of the role-derived permissions in a single channel.
type PermissionOverride struct {
	TargetType OverrideTargetType `json:"target_type"`
	TargetID   int64              `json:"target_id,string"`
	Allow      []string           `json:"allow"`
	Deny       []string           `json:"deny"`
}

// Channel is either a guild channel (ServerID set) or a direct-message
// channel (ServerID nil, exactly two Recipients, no overrides).
type Channel struct {
	ID                  int64                `json:"id,string"`
	ServerID            *int64               `json:"server_id,string,omitempty"`
	ParentID            *int64               `json:"parent_id,string,omitempty"`
	Name                string               `json:"name"`
	Type                ChannelType          `json:"type"`
	Position            int                  `json:"position"`
	Recipients          []int64              `json:"recipients,omitempty"`
	PermissionOverrides []PermissionOverride `json:"permission_overrides"`
}

func (c Channel) IsDM() bool {
	return c.Type == ChannelTypeDM
}

// HasRecipient reports whether userID participates in a DM channel.
func (c Channel) HasRecipient(userID int64) bool {
	for _, id := range c.Recipients {
		if id == userID {
			return true
		}
	}
	return false
}
