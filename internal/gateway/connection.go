package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	heartbeatInterval = 41250 * time.Millisecond
	heartbeatTimeout  = 10 * time.Second
	identifyTimeout   = 30 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	maxMessageSize    = 4096
	sendBufferSize    = 256
)

// Connection is one WebSocket client. Its identity is set once the client
// identifies or resumes and is read from both pumps.
type Connection struct {
	Conn    *websocket.Conn
	Send    chan []byte
	manager *Manager

	mu        sync.RWMutex
	userID    string
	sessionID string

	identified atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}

	lastHeartbeat atomic.Int64 // unix millis of the client's last heartbeat
}

func newConnection(conn *websocket.Conn, manager *Manager) *Connection {
	c := &Connection{
		Conn:    conn,
		Send:    make(chan []byte, sendBufferSize),
		manager: manager,
		done:    make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().UnixMilli())
	return c
}

// UserID returns the identified user, or "" before IDENTIFY.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SessionID returns the gateway session, or "" before IDENTIFY.
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Connection) identity() (userID, sessionID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.sessionID
}

func (c *Connection) setIdentity(userID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.sessionID = sessionID
}

// SendPayload marshals and queues a payload. A full buffer drops it.
func (c *Connection) SendPayload(p GatewayPayload) {
	data, err := json.Marshal(p)
	if err != nil {
		slog.Error("gateway marshal failed", "userID", c.UserID(), "error", err)
		return
	}
	select {
	case c.Send <- data:
	default:
		slog.Warn("send buffer full, dropping message", "userID", c.UserID(), "op", p.Op)
	}
}

// SendEvent queues a DISPATCH stamped with the manager's sequence number.
func (c *Connection) SendEvent(seq int64, name string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("gateway event marshal failed", "event", name, "error", err)
		return
	}
	c.SendPayload(GatewayPayload{
		Op:       OpDispatch,
		Data:     raw,
		Sequence: &seq,
		Event:    &name,
	})
}

// Close terminates the connection. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("gateway read failed", "userID", c.UserID(), "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump drains Send to the socket. It also closes connections that
// never identify or stop heartbeating.
func (c *Connection) writePump() {
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	identifyTimer := time.NewTimer(identifyTimeout)
	defer func() {
		heartbeatTicker.Stop()
		identifyTimer.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-identifyTimer.C:
			if !c.identified.Load() {
				slog.Info("gateway identify timeout")
				return
			}

		case <-heartbeatTicker.C:
			lastBeat := c.lastHeartbeat.Load()
			if time.Since(time.UnixMilli(lastBeat)) > heartbeatInterval+heartbeatTimeout {
				slog.Warn("heartbeat timeout", "userID", c.UserID())
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	var payload GatewayPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("invalid gateway payload", "userID", c.UserID(), "error", err)
		return
	}

	switch payload.Op {
	case OpHeartbeat:
		c.lastHeartbeat.Store(time.Now().UnixMilli())
		c.SendPayload(GatewayPayload{Op: OpHeartbeatAck})

	case OpIdentify:
		if c.identified.Load() {
			return
		}
		c.manager.handleIdentify(c, payload.Data)

	case OpResume:
		if c.identified.Load() {
			return
		}
		c.manager.handleResume(c, payload.Data)

	default:
		slog.Debug("ignoring gateway op", "userID", c.UserID(), "op", payload.Op)
	}
}
