package permissions

import (
	"fmt"
	"strings"
)

// Permission is a bitfield representing a set of permissions.
type Permission int64

const (
	PermViewChannels          Permission = 1 << 0
	PermManageChannels        Permission = 1 << 1
	PermManageRoles           Permission = 1 << 2
	PermManageEmojis          Permission = 1 << 3
	PermViewAuditLog          Permission = 1 << 4
	PermManageWebhooks        Permission = 1 << 5
	PermManageServer          Permission = 1 << 6
	PermCreateInvites         Permission = 1 << 7
	PermChangeNickname        Permission = 1 << 8
	PermManageNicknames       Permission = 1 << 9
	PermKickMembers           Permission = 1 << 10
	PermBanMembers            Permission = 1 << 11
	PermTimeoutMembers        Permission = 1 << 12
	PermSendMessages          Permission = 1 << 13
	PermSendMessagesInThreads Permission = 1 << 14
	PermCreateThreads         Permission = 1 << 15
	PermEmbedLinks            Permission = 1 << 16
	PermAttachFiles           Permission = 1 << 17
	PermAddReactions          Permission = 1 << 18
	PermUseExternalEmojis     Permission = 1 << 19
	PermUseExternalStickers   Permission = 1 << 20
	PermMentionEveryone       Permission = 1 << 21
	PermManageMessages        Permission = 1 << 22
	PermManageThreads         Permission = 1 << 23
	PermReadMessageHistory    Permission = 1 << 24
	PermSendTTSMessages       Permission = 1 << 25
	PermUseVoiceActivity      Permission = 1 << 26
	PermConnect               Permission = 1 << 27 // voice
	PermSpeak                 Permission = 1 << 28 // voice
	PermStream                Permission = 1 << 29 // voice
	PermUseSoundboard         Permission = 1 << 30 // voice
	PermMuteMembers           Permission = 1 << 31 // voice
	PermDeafenMembers         Permission = 1 << 32 // voice
	PermMoveMembers           Permission = 1 << 33 // voice
	PermPrioritySpeaker       Permission = 1 << 34 // voice
	PermAdministrator         Permission = 1 << 35 // bypasses all checks

	PermAll = Permission(1<<36 - 1)
)

// Has returns true if p contains all bits in perm.
func (p Permission) Has(perm Permission) bool { return p&perm == perm }

// Add returns p with the bits from perm set.
func (p Permission) Add(perm Permission) Permission { return p | perm }

// Remove returns p with the bits from perm cleared.
func (p Permission) Remove(perm Permission) Permission { return p &^ perm }

// DefaultMemberPerms is what a new role gets when created without explicit
// permissions, capped to what the creator holds.
var DefaultMemberPerms = PermViewChannels | PermSendMessages | PermReadMessageHistory | PermConnect | PermSpeak | PermCreateInvites | PermChangeNickname | PermAddReactions

type namedBit struct {
	bit   Permission
	name  string
	label string
}

// named lists every defined bit in ascending bit order. Enumeration order
// for Bits, String and diff results follows this table.
var named = []namedBit{
	{PermViewChannels, "VIEW_CHANNELS", "View Channels"},
	{PermManageChannels, "MANAGE_CHANNELS", "Manage Channels"},
	{PermManageRoles, "MANAGE_ROLES", "Manage Roles"},
	{PermManageEmojis, "MANAGE_EMOJIS", "Manage Emojis"},
	{PermViewAuditLog, "VIEW_AUDIT_LOG", "View Audit Log"},
	{PermManageWebhooks, "MANAGE_WEBHOOKS", "Manage Webhooks"},
	{PermManageServer, "MANAGE_SERVER", "Manage Server"},
	{PermCreateInvites, "CREATE_INVITES", "Create Invites"},
	{PermChangeNickname, "CHANGE_NICKNAME", "Change Nickname"},
	{PermManageNicknames, "MANAGE_NICKNAMES", "Manage Nicknames"},
	{PermKickMembers, "KICK_MEMBERS", "Kick Members"},
	{PermBanMembers, "BAN_MEMBERS", "Ban Members"},
	{PermTimeoutMembers, "TIMEOUT_MEMBERS", "Timeout Members"},
	{PermSendMessages, "SEND_MESSAGES", "Send Messages"},
	{PermSendMessagesInThreads, "SEND_MESSAGES_IN_THREADS", "Send Messages in Threads"},
	{PermCreateThreads, "CREATE_THREADS", "Create Threads"},
	{PermEmbedLinks, "EMBED_LINKS", "Embed Links"},
	{PermAttachFiles, "ATTACH_FILES", "Attach Files"},
	{PermAddReactions, "ADD_REACTIONS", "Add Reactions"},
	{PermUseExternalEmojis, "USE_EXTERNAL_EMOJIS", "Use External Emojis"},
	{PermUseExternalStickers, "USE_EXTERNAL_STICKERS", "Use External Stickers"},
	{PermMentionEveryone, "MENTION_EVERYONE", "Mention @everyone"},
	{PermManageMessages, "MANAGE_MESSAGES", "Manage Messages"},
	{PermManageThreads, "MANAGE_THREADS", "Manage Threads"},
	{PermReadMessageHistory, "READ_MESSAGE_HISTORY", "Read Message History"},
	{PermSendTTSMessages, "SEND_TTS_MESSAGES", "Send TTS Messages"},
	{PermUseVoiceActivity, "USE_VOICE_ACTIVITY", "Use Voice Activity"},
	{PermConnect, "CONNECT", "Connect"},
	{PermSpeak, "SPEAK", "Speak"},
	{PermStream, "STREAM", "Video"},
	{PermUseSoundboard, "USE_SOUNDBOARD", "Use Soundboard"},
	{PermMuteMembers, "MUTE_MEMBERS", "Mute Members"},
	{PermDeafenMembers, "DEAFEN_MEMBERS", "Deafen Members"},
	{PermMoveMembers, "MOVE_MEMBERS", "Move Members"},
	{PermPrioritySpeaker, "PRIORITY_SPEAKER", "Priority Speaker"},
	{PermAdministrator, "ADMINISTRATOR", "Administrator"},
}

var byName = func() map[string]Permission {
	m := make(map[string]Permission, len(named))
	for _, n := range named {
		m[n.name] = n.bit
	}
	return m
}()

// Defined returns every named permission bit in ascending order.
func Defined() []Permission {
	out := make([]Permission, len(named))
	for i, n := range named {
		out[i] = n.bit
	}
	return out
}

// Bits returns the named bits set in p, in ascending order. Bits outside
// the named set are ignored.
func (p Permission) Bits() []Permission {
	var out []Permission
	for _, n := range named {
		if p.Has(n.bit) {
			out = append(out, n.bit)
		}
	}
	return out
}

// Name returns the constant name of a single named bit, or "" if p is not
// exactly one named bit.
func (p Permission) Name() string {
	for _, n := range named {
		if n.bit == p {
			return n.name
		}
	}
	return ""
}

// Label returns the human-readable label of a single named bit, falling
// back to its constant name.
func (p Permission) Label() string {
	for _, n := range named {
		if n.bit == p {
			return n.label
		}
	}
	return p.String()
}

// Parse resolves a constant name such as "MANAGE_ROLES". Matching is
// case-insensitive and ignores surrounding whitespace.
func Parse(name string) (Permission, bool) {
	p, ok := byName[strings.ToUpper(strings.TrimSpace(name))]
	return p, ok
}

// ParseNames ORs the named permissions together. Empty entries are skipped.
func ParseNames(names []string) (Permission, error) {
	var p Permission
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		bit, ok := Parse(name)
		if !ok {
			return 0, fmt.Errorf("unknown permission %q", name)
		}
		p = p.Add(bit)
	}
	return p, nil
}

// Names returns the constant names of the named bits set in p.
func (p Permission) Names() []string {
	bits := p.Bits()
	names := make([]string, len(bits))
	for i, b := range bits {
		names[i] = b.Name()
	}
	return names
}

// String returns a human-readable representation of the permission set,
// listing all set permission names separated by " | ".
func (p Permission) String() string {
	if p == 0 {
		return "NONE"
	}

	names := p.Names()
	if len(names) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(names, " | ")
}
