package models

import "time"

const AuditMemberRoleUpdate = "MEMBER_ROLE_UPDATE"

// UndoWindow is how long after creation a role update may be reverted.
const UndoWindow = 24 * time.Hour

type AuditEntry struct {
	ID         string       `json:"id"`
	ServerID   string       `json:"server_id"`
	ActionType string       `json:"action_type"`
	ActorID    string       `json:"actor_id"`
	TargetID   string       `json:"target_id"`
	Changes    []RoleChange `json:"changes"`
	Reason     *string      `json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// CanUndo reports whether the entry is still inside the undo window.
func (e AuditEntry) CanUndo(now time.Time) bool {
	return e.ActionType == AuditMemberRoleUpdate && now.Sub(e.CreatedAt) < UndoWindow
}
