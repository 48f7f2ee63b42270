package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/jenkins-detective/internal/agent"
	"github.com/ashureev/jenkins-detective/internal/identity"
)

// maxFrameSize caps inbound frames.
const maxFrameSize = 1 << 20

// LastSeenUpdater records user activity. store.Repository satisfies it.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// SendLimiter throttles chat sends per user. agent.RateLimiter satisfies it.
type SendLimiter interface {
	Allow(key string) bool
}

// WebSocketHandler serves /ws/chat.
type WebSocketHandler struct {
	svc           *agent.Service
	sm            *SessionManager
	view          *agent.Presenter
	users         LastSeenUpdater
	limiter       SendLimiter
	allowedOrigin string
	isDev         bool
	now           func() time.Time
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(svc *agent.Service, sm *SessionManager, view *agent.Presenter, users LastSeenUpdater, allowedOrigin string, isDev bool) *WebSocketHandler {
	if view == nil {
		view = agent.NewPresenter(nil)
	}
	return &WebSocketHandler{
		svc:           svc,
		sm:            sm,
		view:          view,
		users:         users,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		now:           time.Now,
	}
}

// SetLimiter applies l to "send" frames. Share the HTTP chat limiter so both
// transports draw from one budget.
func (h *WebSocketHandler) SetLimiter(l SendLimiter) {
	h.limiter = l
}

// inbound is a client frame.
type inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// sessionFrame carries a full snapshot, sent on connect and on request.
type sessionFrame struct {
	Type    string            `json:"type"`
	Session agent.SessionView `json:"session"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	client := NewClient(userID, sessionID, ws)
	h.sm.Register(client)
	defer func() {
		h.sm.Unregister(client)
		client.Close("session ended")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	key := agent.SessionKey{UserID: userID, SessionID: sessionID}
	h.sendSnapshot(ctx, client, key)

	go func() {
		defer cancel()
		client.writeLoop(ctx)
	}()

	h.readLoop(ctx, ws, client, key)
	slog.Info("Chat socket ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, client *Client, key agent.SessionKey) {
	// The upgrade request already refreshed last-seen in the identity middleware.
	lastTouch := h.now()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed", "user_id", key.UserID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", key.UserID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(client, "invalid_frame")
			continue
		}

		switch msg.Type {
		case "send":
			if h.limiter != nil && !h.limiter.Allow(key.UserID) {
				h.sendError(client, "rate_limited")
				break
			}
			// The user message and the reply come back as events.
			if _, _, err := h.svc.Send(ctx, key, msg.Content); err != nil {
				h.sendError(client, errorCode(err))
			}
		case "clear":
			if _, err := h.svc.Clear(ctx, key); err != nil {
				h.sendError(client, errorCode(err))
			}
		case "session":
			h.sendSnapshot(ctx, client, key)
		case "ping":
			h.sendJSON(client, map[string]string{"type": "pong"})
		default:
			h.sendError(client, "unknown_type")
		}

		if now := h.now(); now.Sub(lastTouch) >= identity.LastSeenResolution {
			lastTouch = now
			h.touch(key.UserID, now)
		}
	}
}

func (h *WebSocketHandler) touch(userID string, now time.Time) {
	if h.users == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.users.UpdateLastSeen(ctx, userID, now); err != nil {
			slog.Warn("Failed to update last seen", "error", err, "user_id", userID)
		}
	}()
}

func (h *WebSocketHandler) sendSnapshot(ctx context.Context, client *Client, key agent.SessionKey) {
	sess, err := h.svc.Snapshot(ctx, key)
	if err != nil {
		h.sendError(client, errorCode(err))
		return
	}
	h.sendJSON(client, sessionFrame{Type: "session", Session: h.view.Session(sess)})
}

func (h *WebSocketHandler) sendError(client *Client, code string) {
	h.sendJSON(client, errorFrame{Type: "error", Error: code})
}

func (h *WebSocketHandler) sendJSON(client *Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal WebSocket frame", "error", err)
		return
	}
	if !client.Enqueue(data) {
		slog.Debug("Dropped WebSocket frame", "user_id", client.UserID)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		return "message_required"
	case errors.Is(err, agent.ErrServiceClosed):
		return "shutting_down"
	default:
		return "internal_error"
	}
}
