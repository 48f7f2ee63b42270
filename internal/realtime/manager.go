// Package realtime serves chat sessions over WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/jenkins-detective/internal/agent"
)

const (
	clientSendBuffer = 32
	writeTimeout     = 10 * time.Second
)

// Client is one WebSocket connection bound to a user tab.
type Client struct {
	UserID    string
	SessionID string

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn. conn may be nil in tests; frames then only land on
// the send queue.
func NewClient(userID, sessionID string, conn *websocket.Conn) *Client {
	return &Client{
		UserID:    userID,
		SessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, clientSendBuffer),
		done:      make(chan struct{}),
	}
}

// Enqueue queues a frame without blocking. It reports false when the client
// is closed or too slow.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the client, closing the socket with the given reason.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, reason)
		}
	})
}

// writeLoop is the only writer on the socket.
func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write error", "error", err, "user_id", c.UserID)
				return
			}
		}
	}
}

// SessionManager tracks the active WebSocket client per user tab and
// delivers session events to it. It implements agent.Sink.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*Client
	view   *agent.Presenter
}

// NewSessionManager creates a new session manager.
func NewSessionManager(view *agent.Presenter) *SessionManager {
	if view == nil {
		view = agent.NewPresenter(nil)
	}
	return &SessionManager{
		active: make(map[string]map[string]*Client),
		view:   view,
	}
}

// GetActive returns the active client for a user and session.
func (m *SessionManager) GetActive(userID, sessionID string) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a client, replacing (and closing) any older one for the
// same tab.
func (m *SessionManager) Register(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[c.UserID]; !exists {
		m.active[c.UserID] = make(map[string]*Client)
	}
	if existing, exists := m.active[c.UserID][c.SessionID]; exists && existing != c {
		existing.Close("session replaced")
	}
	m.active[c.UserID][c.SessionID] = c
	slog.Info("Chat socket registered", "user_id", c.UserID, "session_id", c.SessionID)
}

// Unregister removes c if it is still the active client for its tab.
func (m *SessionManager) Unregister(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[c.UserID]; ok {
		if current, exists := sessions[c.SessionID]; exists && current == c {
			delete(sessions, c.SessionID)
			if len(sessions) == 0 {
				delete(m.active, c.UserID)
			}
			slog.Info("Chat socket unregistered", "user_id", c.UserID, "session_id", c.SessionID)
		}
	}
}

// CloseSession terminates the socket of one tab, if any. Used when the
// sweeper evicts the session.
func (m *SessionManager) CloseSession(userID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	if c, ok := sessions[sessionID]; ok {
		c.Close("session expired")
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
	}
}

// CloseAll terminates every socket. Called on shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uid, sessions := range m.active {
		for _, c := range sessions {
			c.Close("server shutting down")
		}
		delete(m.active, uid)
	}
}

// Count returns the number of registered clients.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// Publish delivers ev to the tab's socket. Slow clients drop events; they
// can resync with a "session" request.
func (m *SessionManager) Publish(ev agent.Event) {
	c := m.GetActive(ev.UserID, ev.SessionID)
	if c == nil {
		return
	}
	frame, err := json.Marshal(m.view.Event(ev))
	if err != nil {
		slog.Error("Failed to marshal chat event", "error", err, "user_id", ev.UserID)
		return
	}
	if !c.Enqueue(frame) {
		slog.Warn("Chat socket send queue full, dropping event",
			"user_id", ev.UserID, "session_id", ev.SessionID, "type", ev.Type)
	}
}

// Ensure SessionManager implements agent.Sink.
var _ agent.Sink = (*SessionManager)(nil)
