package gateway

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/victorivanov/haos/internal/auth"
	"github.com/victorivanov/haos/internal/database"
)

const replayBufferSize = 100

// Manager tracks live connections and routes server-scoped events to the
// users subscribed to each server.
//
// Every DISPATCH carries a manager-wide sequence number, so a client's last
// seen sequence orders events across all of its servers. Lock order is
// dispatchMu before mu.
type Manager struct {
	mu            sync.RWMutex
	connections   map[string]*Connection     // userID → connection
	subscriptions map[string]map[string]bool // serverID → set of userIDs
	sessions      map[string]string          // userID → resumable session ID

	dispatchMu   sync.Mutex
	sequence     int64
	serverReplay map[string]*ringBuffer // serverID → recent events
	userReplay   map[string]*ringBuffer // userID → recent direct events

	tokens         *auth.TokenService
	servers        database.ServerRepository
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// Option configures a Manager.
type Option func(*Manager)

// WithAllowedOrigins restricts the Origin header accepted on upgrade. An
// empty list or a "*" entry accepts every origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(m *Manager) { m.allowedOrigins = origins }
}

// NewManager creates a new gateway Manager.
func NewManager(tokens *auth.TokenService, servers database.ServerRepository, opts ...Option) *Manager {
	m := &Manager{
		connections:   make(map[string]*Connection),
		subscriptions: make(map[string]map[string]bool),
		sessions:      make(map[string]string),
		serverReplay:  make(map[string]*ringBuffer),
		userReplay:    make(map[string]*ringBuffer),
		tokens:        tokens,
		servers:       servers,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

// register makes c the user's current connection, telling any older one to
// reconnect.
func (m *Manager) register(c *Connection) {
	userID, sessionID := c.identity()

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.connections[userID]; ok && old != c {
		old.SendPayload(GatewayPayload{Op: OpReconnect})
		old.Close()
	}

	m.connections[userID] = c
	m.sessions[userID] = sessionID
	c.identified.Store(true)
}

// unregister removes c and its subscriptions if it is still the user's
// current connection. The session stays resumable.
func (m *Manager) unregister(c *Connection) {
	userID := c.UserID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.connections[userID]; ok && existing == c {
		delete(m.connections, userID)
		for serverID, users := range m.subscriptions {
			delete(users, userID)
			if len(users) == 0 {
				delete(m.subscriptions, serverID)
			}
		}
	}
}

// SubscribeToServer adds a user to a server's event subscription.
func (m *Manager) SubscribeToServer(userID, serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscriptions[serverID] == nil {
		m.subscriptions[serverID] = make(map[string]bool)
	}
	m.subscriptions[serverID][userID] = true
}

// DispatchToUser sends a dispatch event to one user and records it for
// resume replay.
func (m *Manager) DispatchToUser(userID string, event string, data any) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	ev := m.stamp(event, data)
	bufferFor(m.userReplay, userID).add(ev)

	m.mu.RLock()
	c, ok := m.connections[userID]
	m.mu.RUnlock()

	if ok {
		c.SendEvent(ev.Sequence, ev.Name, ev.Data)
	}
}

// DispatchToServer sends a dispatch event to every subscriber of serverID
// and records it for resume replay.
func (m *Manager) DispatchToServer(serverID string, event string, data any) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	ev := m.stamp(event, data)
	bufferFor(m.serverReplay, serverID).add(ev)

	m.mu.RLock()
	users := m.subscriptions[serverID]
	conns := make([]*Connection, 0, len(users))
	for userID := range users {
		if c, ok := m.connections[userID]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.SendEvent(ev.Sequence, ev.Name, ev.Data)
	}
}

// stamp assigns the next sequence number. Callers hold dispatchMu.
func (m *Manager) stamp(event string, data any) sequencedEvent {
	m.sequence++
	return sequencedEvent{Sequence: m.sequence, Event: Event{Name: event, Data: data}}
}

func bufferFor(buffers map[string]*ringBuffer, key string) *ringBuffer {
	rb, ok := buffers[key]
	if !ok {
		rb = newRingBuffer(replayBufferSize)
		buffers[key] = rb
	}
	return rb
}

// authenticate validates token and loads the servers the user belongs to.
func (m *Manager) authenticate(token string) (string, []string, error) {
	claims, err := m.tokens.ValidateAccessToken(token)
	if err != nil {
		return "", nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	servers, err := m.servers.GetByUserID(ctx, claims.UserID)
	if err != nil {
		return "", nil, err
	}
	ids := make([]string, len(servers))
	for i, s := range servers {
		ids[i] = s.ID
	}
	return claims.UserID, ids, nil
}

func (m *Manager) handleIdentify(c *Connection, data json.RawMessage) {
	var identify IdentifyData
	if err := json.Unmarshal(data, &identify); err != nil {
		slog.Warn("invalid identify data", "error", err)
		c.Close()
		return
	}

	userID, serverIDs, err := m.authenticate(identify.Token)
	if err != nil {
		slog.Warn("identify rejected", "error", err)
		c.Close()
		return
	}

	sessionID := uuid.NewString()
	c.setIdentity(userID, sessionID)

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.register(c)
	for _, id := range serverIDs {
		m.SubscribeToServer(userID, id)
	}

	ready := m.stamp(EventReady, ReadyData{
		SessionID: sessionID,
		UserID:    userID,
		Servers:   serverIDs,
	})
	c.SendEvent(ready.Sequence, ready.Name, ready.Data)
}

// handleResume re-attaches a dropped session and replays what the client
// missed. A session that is unknown, belongs to someone else, or whose
// missed events were already evicted gets INVALID_SESSION.
func (m *Manager) handleResume(c *Connection, data json.RawMessage) {
	var resume ResumeData
	if err := json.Unmarshal(data, &resume); err != nil {
		slog.Warn("invalid resume data", "error", err)
		m.rejectSession(c)
		return
	}

	userID, serverIDs, err := m.authenticate(resume.Token)
	if err != nil {
		slog.Warn("resume rejected", "error", err)
		m.rejectSession(c)
		return
	}

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.RLock()
	known := m.sessions[userID]
	m.mu.RUnlock()
	if resume.SessionID == "" || known != resume.SessionID {
		slog.Info("resume with unknown session", "userID", userID)
		m.rejectSession(c)
		return
	}

	missed, ok := m.missedSince(userID, serverIDs, resume.Sequence)
	if !ok {
		slog.Info("resume window exceeded", "userID", userID, "seq", resume.Sequence)
		m.rejectSession(c)
		return
	}

	c.setIdentity(userID, resume.SessionID)
	m.register(c)
	for _, id := range serverIDs {
		m.SubscribeToServer(userID, id)
	}
	for _, ev := range missed {
		c.SendEvent(ev.Sequence, ev.Name, ev.Data)
	}
}

// missedSince collects the user's buffered events after seq in sequence
// order. It reports false when a buffer already dropped some of them.
// Callers hold dispatchMu.
func (m *Manager) missedSince(userID string, serverIDs []string, seq int64) ([]sequencedEvent, bool) {
	buffers := make([]*ringBuffer, 0, len(serverIDs)+1)
	if rb, ok := m.userReplay[userID]; ok {
		buffers = append(buffers, rb)
	}
	for _, id := range serverIDs {
		if rb, ok := m.serverReplay[id]; ok {
			buffers = append(buffers, rb)
		}
	}

	var missed []sequencedEvent
	for _, rb := range buffers {
		if rb.evicted > seq {
			return nil, false
		}
		missed = append(missed, rb.since(seq)...)
	}
	slices.SortFunc(missed, func(a, b sequencedEvent) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return missed, true
}

func (m *Manager) rejectSession(c *Connection) {
	c.SendPayload(GatewayPayload{Op: OpInvalidSession, Data: mustMarshal(false)})
	c.Close()
}

type sequencedEvent struct {
	Sequence int64
	Event
}

// ringBuffer keeps the last size events of one stream. evicted is the
// highest sequence number that has been overwritten.
type ringBuffer struct {
	events  []sequencedEvent
	size    int
	pos     int
	full    bool
	evicted int64
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		events: make([]sequencedEvent, size),
		size:   size,
	}
}

func (rb *ringBuffer) add(ev sequencedEvent) {
	if rb.full {
		rb.evicted = rb.events[rb.pos].Sequence
	}
	rb.events[rb.pos] = ev
	rb.pos = (rb.pos + 1) % rb.size
	if rb.pos == 0 {
		rb.full = true
	}
}

// since returns buffered events with sequence > afterSeq, oldest first.
func (rb *ringBuffer) since(afterSeq int64) []sequencedEvent {
	count := rb.pos
	start := 0
	if rb.full {
		count = rb.size
		start = rb.pos
	}

	var result []sequencedEvent
	for i := 0; i < count; i++ {
		e := rb.events[(start+i)%rb.size]
		if e.Sequence > afterSeq {
			result = append(result, e)
		}
	}
	return result
}
