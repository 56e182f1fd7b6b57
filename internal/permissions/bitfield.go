package permissions

import (
	"encoding/json"
	"math/bits"
	"strings"
)

// Permission is a bitfield representing a set of permissions.
type Permission int64

const (
	PermViewChannel        Permission = 1 << 0
	PermSendMessages       Permission = 1 << 1
	PermManageMessages     Permission = 1 << 2
	PermManageChannel      Permission = 1 << 3 // one channel's settings and overrides
	PermManageRoles        Permission = 1 << 4
	PermKickMembers        Permission = 1 << 5
	PermBanMembers         Permission = 1 << 6
	PermManageServer       Permission = 1 << 7
	PermConnect            Permission = 1 << 8  // voice
	PermSpeak              Permission = 1 << 9  // voice
	PermMuteMembers        Permission = 1 << 10 // voice
	PermDeafenMembers      Permission = 1 << 11 // voice
	PermMoveMembers        Permission = 1 << 12 // voice
	PermMentionEveryone    Permission = 1 << 13
	PermAttachFiles        Permission = 1 << 14
	PermReadMessageHistory Permission = 1 << 15
	PermCreateInvite       Permission = 1 << 16
	PermChangeNickname     Permission = 1 << 17
	PermManageNicknames    Permission = 1 << 18
	PermEmbedLinks         Permission = 1 << 19
	PermAddReactions       Permission = 1 << 20
	PermManageChannels     Permission = 1 << 21 // create/delete channels server-wide
	PermManageWebhooks     Permission = 1 << 22
	PermAdministrator      Permission = 1 << 31 // bypasses all checks

	// Convenience sets
	PermAllText  = PermViewChannel | PermSendMessages | PermManageMessages | PermReadMessageHistory | PermMentionEveryone | PermAttachFiles | PermEmbedLinks | PermAddReactions
	PermAllVoice = PermConnect | PermSpeak | PermMuteMembers | PermDeafenMembers | PermMoveMembers
)

// catalog lists every valid permission in display order. Token names are the
// values persisted on roles and overrides.
var catalog = []struct {
	bit  Permission
	name string
}{
	{PermViewChannel, "VIEW_CHANNEL"},
	{PermSendMessages, "SEND_MESSAGES"},
	{PermManageMessages, "MANAGE_MESSAGES"},
	{PermManageChannel, "MANAGE_CHANNEL"},
	{PermManageRoles, "MANAGE_ROLES"},
	{PermKickMembers, "KICK_MEMBERS"},
	{PermBanMembers, "BAN_MEMBERS"},
	{PermManageServer, "MANAGE_SERVER"},
	{PermConnect, "CONNECT"},
	{PermSpeak, "SPEAK"},
	{PermMuteMembers, "MUTE_MEMBERS"},
	{PermDeafenMembers, "DEAFEN_MEMBERS"},
	{PermMoveMembers, "MOVE_MEMBERS"},
	{PermMentionEveryone, "MENTION_EVERYONE"},
	{PermAttachFiles, "ATTACH_FILES"},
	{PermReadMessageHistory, "READ_MESSAGE_HISTORY"},
	{PermCreateInvite, "CREATE_INSTANT_INVITE"},
	{PermChangeNickname, "CHANGE_NICKNAME"},
	{PermManageNicknames, "MANAGE_NICKNAMES"},
	{PermEmbedLinks, "EMBED_LINKS"},
	{PermAddReactions, "ADD_REACTIONS"},
	{PermManageChannels, "MANAGE_CHANNELS"},
	{PermManageWebhooks, "MANAGE_WEBHOOKS"},
	{PermAdministrator, "ADMINISTRATOR"},
}

var byName = func() map[string]Permission {
	m := make(map[string]Permission, len(catalog))
	for _, c := range catalog {
		m[c.name] = c.bit
	}
	return m
}()

// All is the full permission catalog.
var All = func() Permission {
	var p Permission
	for _, c := range catalog {
		p |= c.bit
	}
	return p
}()

// DMPermissions is the fixed set granted in every direct-message channel.
const DMPermissions = PermViewChannel | PermSendMessages | PermEmbedLinks | PermAttachFiles | PermAddReactions | PermReadMessageHistory

// ServerScoped permissions only make sense on roles, never on channel overrides.
const ServerScoped = PermAdministrator | PermManageServer | PermManageRoles | PermManageChannels | PermKickMembers | PermBanMembers | PermManageNicknames | PermChangeNickname | PermCreateInvite

// ChannelScoped permissions may appear in channel overrides.
const ChannelScoped = PermAllText | PermAllVoice | PermManageChannel | PermManageWebhooks

// DefaultEveryone is the permission set for a freshly created @everyone role.
const DefaultEveryone = PermViewChannel | PermSendMessages | PermReadMessageHistory | PermEmbedLinks | PermAttachFiles | PermAddReactions | PermConnect | PermSpeak | PermCreateInvite | PermChangeNickname

// Has returns true if p contains all bits in perm.
func (p Permission) Has(perm Permission) bool { return p&perm == perm }

// Add returns p with the bits from perm set.
func (p Permission) Add(perm Permission) Permission { return p | perm }

// Remove returns p with the bits from perm cleared.
func (p Permission) Remove(perm Permission) Permission { return p &^ perm }

// Count returns the number of permissions in the set.
func (p Permission) Count() int { return bits.OnesCount64(uint64(p & All)) }

// Parse converts stored permission tokens into a bitfield. Unknown tokens
// are ignored.
func Parse(tokens []string) Permission {
	var p Permission
	for _, t := range tokens {
		p |= byName[t]
	}
	return p
}

// Valid reports whether token names a catalog permission.
func Valid(token string) bool {
	_, ok := byName[token]
	return ok
}

// Tokens returns the token names of every catalog permission in p.
func (p Permission) Tokens() []string {
	names := make([]string, 0, p.Count())
	for _, c := range catalog {
		if p.Has(c.bit) {
			names = append(names, c.name)
		}
	}
	return names
}

// String returns a human-readable representation of the permission set,
// listing all set permission names separated by " | ".
func (p Permission) String() string {
	names := p.Tokens()
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, " | ")
}

// MarshalJSON encodes the set as its token array.
func (p Permission) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Tokens())
}

// UnmarshalJSON decodes a token array, dropping unknown tokens.
func (p *Permission) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return err
	}
	*p = Parse(tokens)
	return nil
}
