package models

type RoleAction string

const (
	RoleActionAdd    RoleAction = "add"
	RoleActionRemove RoleAction = "remove"
)

// Valid reports whether a is one of the known actions.
func (a RoleAction) Valid() bool {
	return a == RoleActionAdd || a == RoleActionRemove
}

// Flip returns the opposite action.
func (a RoleAction) Flip() RoleAction {
	if a == RoleActionAdd {
		return RoleActionRemove
	}
	return RoleActionAdd
}

type RoleChange struct {
	RoleID string     `json:"role_id"`
	Action RoleAction `json:"action"`
}

// RoleChangeBatch is one committed bulk assignment: the same ordered change
// list applied to every member in MemberIDs.
type RoleChangeBatch struct {
	ServerID  string       `json:"server_id"`
	ActorID   string       `json:"actor_id"`
	MemberIDs []string     `json:"member_ids"`
	Changes   []RoleChange `json:"changes"`
	Reason    *string      `json:"reason,omitempty"`
}
