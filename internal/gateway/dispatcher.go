package gateway

// Dispatcher is the interface used by services to dispatch events to
// connected WebSocket clients. The concrete Manager implements this interface.
type Dispatcher interface {
	DispatchToServer(serverID string, event string, data any)
	DispatchToUser(userID string, event string, data any)
}
