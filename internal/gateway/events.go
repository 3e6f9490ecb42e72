package gateway

import "encoding/json"

// Op codes for gateway payloads.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatAck   = 11
)

// Event names for DISPATCH payloads.
const (
	EventReady              = "READY"
	EventServerRoleCreate   = "SERVER_ROLE_CREATE"
	EventServerRoleUpdate   = "SERVER_ROLE_UPDATE"
	EventServerRoleDelete   = "SERVER_ROLE_DELETE"
	EventServerMemberUpdate = "SERVER_MEMBER_UPDATE"

	// EventMemberRolesChanged goes only to the member whose roles changed
	// and carries the audit entry.
	EventMemberRolesChanged = "MEMBER_ROLES_CHANGED"
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
	UserID    string   `json:"user_id"`
	Servers   []string `json:"servers"`
}

// RoleDeleteData is the payload for SERVER_ROLE_DELETE events.
type RoleDeleteData struct {
	ServerID string `json:"server_id"`
	RoleID   string `json:"role_id"`
}

// Event is a dispatch event ready to broadcast.
type Event struct {
	Name string
	Data any
}

// mustMarshal marshals v to json.RawMessage, panicking on error.
// Only for statically-known types that cannot fail.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("gateway: mustMarshal: " + err.Error())
	}
	return data
}
