package models

import "time"

// Member is a user's membership in a server. UserID is a Matrix user ID
// such as "@alice:example.org".
type Member struct {
	ID          string    `json:"id"`
	ServerID    string    `json:"server_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Nickname    *string   `json:"nickname,omitempty"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
	Roles       []string  `json:"roles"`
}

// HasRole reports whether roleID is assigned to the member.
func (m Member) HasRole(roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}
