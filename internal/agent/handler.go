package agent

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/jenkins-detective/internal/api"
	"github.com/ashureev/jenkins-detective/internal/config"
	"github.com/ashureev/jenkins-detective/internal/domain"
	"github.com/ashureev/jenkins-detective/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID          int64
	UserID      string
	SessionID   string
	EventID     int64
	ConnectedAt time.Time
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// SSEMessageQueue buffers events for reconnecting clients, sharded per session.
// Each session gets its own bounded list so one user's burst cannot evict
// events belonging to another user.
type SSEMessageQueue struct {
	mu      sync.RWMutex
	queues  map[SessionKey]*list.List
	maxSize int
}

// QueuedMessage is an event kept for replay.
type QueuedMessage struct {
	EventID   int64
	Event     Event
	Timestamp time.Time
}

// NewSSEMessageQueue creates a new per-session message queue.
func NewSSEMessageQueue(maxSize int) *SSEMessageQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &SSEMessageQueue{
		queues:  make(map[SessionKey]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds an event to its session's queue.
func (q *SSEMessageQueue) Enqueue(eventID int64, ev Event) {
	key := ev.Key()
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[key]
	if !ok {
		l = list.New()
		q.queues[key] = l
	}
	l.PushBack(&QueuedMessage{EventID: eventID, Event: ev, Timestamp: time.Now()})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// GetMissedMessages retrieves events after a specific event ID for a session.
func (q *SSEMessageQueue) GetMissedMessages(key SessionKey, afterEventID int64) []*QueuedMessage {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[key]
	if !ok {
		return nil
	}
	var missed []*QueuedMessage
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedMessage)
		if msg.EventID > afterEventID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Prune drops the queue for a session. Called when the session is evicted.
func (q *SSEMessageQueue) Prune(key SessionKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}

// Len returns the number of sessions with queued events.
func (q *SSEMessageQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queues)
}

// Handler serves the chat API over HTTP and SSE.
type Handler struct {
	agent          *Service
	feedback       FeedbackRecorder
	view           *Presenter
	rateLimiter    *RateLimiter
	sseConnections map[SessionKey]map[int64]*SSEConnection
	messageQueue   *SSEMessageQueue
	connectionsMu  sync.RWMutex
	eventCounter   int64
	connectionID   int64
	counterMu      sync.Mutex
	sinks          []Sink
	done           chan struct{}
	loopDone       chan struct{}
	closeOnce      sync.Once
	cfg            *config.Config
	log            *slog.Logger
}

// RateLimiter implements a per-user sliding window limiter.
// The key is userID only, not userID:sessionID, so clients cannot bypass
// throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter creates a rate limiter. Expired keys are evicted by
// RunEviction.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.fresh(r.requests[key], now.Add(-r.window))
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

func (r *RateLimiter) fresh(times []time.Time, cutoff time.Time) []time.Time {
	var out []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// evict removes keys with no requests inside the window.
func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.window)
	for key, times := range r.requests {
		if fresh := r.fresh(times, cutoff); len(fresh) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = fresh
		}
	}
}

// RunEviction periodically evicts expired keys until done is closed.
func (r *RateLimiter) RunEviction(done <-chan struct{}) {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.evict()
		}
	}
}

// NewHandler creates the chat handler and starts fanning out svc's events to
// SSE clients and sinks.
func NewHandler(svc *Service, feedback FeedbackRecorder, view *Presenter, cfg *config.Config, sinks ...Sink) *Handler {
	rateLimitRequests := 30
	rateLimitWindow := time.Minute
	replayBuffer := 100
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		replayBuffer = cfg.SSE.ReplayBufferSize
	}
	if view == nil {
		view = NewPresenter(nil)
	}

	h := &Handler{
		agent:          svc,
		feedback:       feedback,
		view:           view,
		rateLimiter:    NewRateLimiter(rateLimitRequests, rateLimitWindow),
		sseConnections: make(map[SessionKey]map[int64]*SSEConnection),
		messageQueue:   NewSSEMessageQueue(replayBuffer),
		sinks:          sinks,
		done:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		cfg:            cfg,
		log:            slog.Default().With("component", "agent_handler"),
	}

	go h.rateLimiter.RunEviction(h.done)
	go h.broadcastLoop(svc.Events())

	return h
}

// RegisterRoutes registers agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/stream", h.HandleStream)
		r.Get("/session", h.HandleSession)
		r.Post("/session/clear", h.HandleClear)
		r.Get("/export", h.HandleExport)
		r.Post("/messages/{id}/feedback", h.HandleFeedback)
	})
}

// Close stops the broadcast loop and ends open streams.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	<-h.loopDone
}

// Limiter returns the per-user send limiter so other chat transports can
// share the same budget.
func (h *Handler) Limiter() *RateLimiter {
	return h.rateLimiter
}

// PruneSession drops replay state for an evicted session.
func (h *Handler) PruneSession(key SessionKey) {
	h.messageQueue.Prune(key)
}

func sessionKeyFromRequest(r *http.Request) (SessionKey, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		return SessionKey{}, false
	}
	return SessionKey{UserID: userID, SessionID: identity.SessionIDFromContext(r.Context())}, true
}

// HandleChat handles POST /api/agent/chat. The response is an SSE stream with
// a user_message event followed by the reply as a message event, or a 202
// JSON body when the request sets async.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(key.UserID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userMsg, pending, err := h.agent.Send(r.Context(), key, req.Message)
	switch {
	case errors.Is(err, ErrEmptyMessage):
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, ErrServiceClosed):
		api.Error(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		h.log.Error("chat send failed", "user_id", key.UserID, "session_id", key.SessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	h.log.Info("Agent chat request",
		"user_id", key.UserID,
		"session_id", key.SessionID,
		"message_length", len(req.Message),
		"async", req.Async,
	)

	if req.Async {
		api.JSON(w, http.StatusAccepted, ChatAccepted{Status: "pending", UserMessage: h.view.Message(userMsg)})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)

	if err := writeSSEJSON(w, "user_message", h.view.Message(userMsg)); err != nil {
		h.log.Warn("failed to write SSE user_message event", "error", err)
		return
	}
	flusher.Flush()

	waitTimeout := 30 * time.Second
	if h.cfg != nil && h.cfg.Timeout.ReplyWait > 0 {
		waitTimeout = h.cfg.Timeout.ReplyWait
	}
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()

	reply, err := pending.Wait(ctx)
	switch {
	case err == nil:
		err = writeSSEJSON(w, "message", h.view.Message(reply))
	case errors.Is(err, ErrReplyDiscarded):
		err = writeSSE(w, "discarded", `{"reason":"session cleared"}`)
	case errors.Is(err, context.Canceled):
		return
	default:
		h.log.Warn("reply wait failed", "user_id", key.UserID, "session_id", key.SessionID, "error", err)
		err = writeSSEJSON(w, "error", map[string]string{"error": err.Error()})
	}
	if err != nil {
		h.log.Warn("failed to write SSE reply event", "error", err)
		return
	}
	flusher.Flush()
}

// HandleSession handles GET /api/agent/session.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sess, err := h.agent.Snapshot(r.Context(), key)
	if err != nil {
		h.serviceError(w, "snapshot", err)
		return
	}
	api.JSON(w, http.StatusOK, h.view.Session(sess))
}

// HandleClear handles POST /api/agent/session/clear.
func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sess, err := h.agent.Clear(r.Context(), key)
	if err != nil {
		h.serviceError(w, "clear", err)
		return
	}
	h.log.Info("Chat session cleared", "user_id", key.UserID, "session_id", key.SessionID)
	api.JSON(w, http.StatusOK, h.view.Session(sess))
}

// HandleExport handles GET /api/agent/export.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	tr, err := h.agent.Export(r.Context(), key)
	if err != nil {
		h.serviceError(w, "export", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, tr.FileName))
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, tr.Body); err != nil {
		h.log.Warn("failed to write transcript", "user_id", key.UserID, "error", err)
	}
}

// HandleFeedback handles POST /api/agent/messages/{id}/feedback.
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.feedback == nil {
		api.Error(w, http.StatusServiceUnavailable, "feedback disabled")
		return
	}

	messageID := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	found, err := h.agent.HasMessage(r.Context(), key, messageID)
	if err != nil {
		h.serviceError(w, "feedback lookup", err)
		return
	}
	if !found {
		api.Error(w, http.StatusNotFound, "message not found")
		return
	}

	if err := h.feedback.RecordFeedback(r.Context(), domain.Feedback{
		MessageID: messageID,
		UserID:    key.UserID,
		SessionID: key.SessionID,
		Positive:  req.Positive,
		CreatedAt: time.Now(),
	}); err != nil {
		h.log.Error("failed to record feedback", "user_id", key.UserID, "message_id", messageID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to record feedback")
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"status": "recorded", "message_id": messageID, "positive": req.Positive})
}

func (h *Handler) serviceError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrServiceClosed) {
		api.Error(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	h.log.Error("agent operation failed", "op", op, "error", err)
	api.Error(w, http.StatusInternalServerError, "internal error")
}

// broadcastLoop distributes session events to SSE clients and sinks until
// the event channel closes or Close is called.
func (h *Handler) broadcastLoop(events <-chan Event) {
	defer close(h.loopDone)
	h.log.Debug("broadcast loop started")
	for {
		select {
		case <-h.done:
			h.log.Debug("broadcast loop shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				h.log.Debug("event channel closed, broadcast loop exiting")
				return
			}
			h.dispatch(ev)
		}
	}
}

func (h *Handler) dispatch(ev Event) {
	h.counterMu.Lock()
	h.eventCounter++
	eventID := h.eventCounter
	h.counterMu.Unlock()

	h.messageQueue.Enqueue(eventID, ev)

	// Snapshot connections to avoid holding RLock during writes.
	h.connectionsMu.RLock()
	userConns := h.sseConnections[ev.Key()]
	conns := make([]*SSEConnection, 0, len(userConns))
	for _, c := range userConns {
		conns = append(conns, c)
	}
	h.connectionsMu.RUnlock()

	for _, conn := range conns {
		h.sendToConnection(conn, eventID, ev)
	}
	for _, s := range h.sinks {
		s.Publish(ev)
	}
}

// sendToConnection writes one event to a connection.
func (h *Handler) sendToConnection(conn *SSEConnection, eventID int64, ev Event) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}

	data, err := json.Marshal(h.view.Event(ev))
	if err != nil {
		h.log.Error("failed to marshal SSE event", "error", err, "conn_id", conn.ID)
		return
	}
	if err := writeSSEWithID(conn.Writer, eventID, string(ev.Type), string(data)); err != nil {
		h.log.Warn("failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"user_id", conn.UserID,
		)
		return
	}
	conn.Flusher.Flush()
	conn.EventID = eventID
}

// HandleStream handles GET /api/agent/stream: the live event feed of the
// caller's session, with Last-Event-ID replay.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)

	retryDelay := 5 * time.Second
	keepaliveInterval := 10 * time.Second
	if h.cfg != nil {
		retryDelay = h.cfg.SSE.RetryDelay
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", retryDelay.Milliseconds()); err != nil {
		h.log.Warn("failed to write SSE retry header", "error", err, "user_id", key.UserID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &SSEConnection{
		ID:          connID,
		UserID:      key.UserID,
		SessionID:   key.SessionID,
		ConnectedAt: time.Now(),
		EventID:     lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	// Hold the connection lock until replay is written so live events queue
	// up behind it instead of interleaving.
	conn.mu.Lock()
	h.connectionsMu.Lock()
	if _, exists := h.sseConnections[key]; !exists {
		h.sseConnections[key] = make(map[int64]*SSEConnection)
	}
	h.sseConnections[key][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		h.connectionsMu.Lock()
		if userConns, exists := h.sseConnections[key]; exists {
			delete(userConns, connID)
			if len(userConns) == 0 {
				delete(h.sseConnections, key)
			}
		}
		h.connectionsMu.Unlock()
		conn.mu.Lock()
		close(conn.Done)
		conn.mu.Unlock()
		h.log.Info("SSE connection closed", "user_id", key.UserID, "session_id", key.SessionID,
			"conn_id", connID, "remaining", h.connectionCount(key))
	}()

	var replayed int
	if lastEventID > 0 {
		for _, msg := range h.messageQueue.GetMissedMessages(key, lastEventID) {
			data, err := json.Marshal(h.view.Event(msg.Event))
			if err != nil {
				continue
			}
			if err := writeSSEWithID(w, msg.EventID, string(msg.Event.Type), string(data)); err != nil {
				conn.mu.Unlock()
				return
			}
			replayed++
		}
	}

	connected, _ := json.Marshal(map[string]any{
		"status":     "connected",
		"session_id": key.SessionID,
		"replayed":   replayed,
	})
	err := writeSSE(w, "connected", string(connected))
	flusher.Flush()
	conn.mu.Unlock()
	if err != nil {
		h.log.Warn("failed to write SSE connected event", "error", err, "user_id", key.UserID)
		return
	}

	h.log.Info("SSE connection established",
		"user_id", key.UserID,
		"session_id", key.SessionID,
		"reconnect", lastEventID > 0,
		"replayed", replayed,
	)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			err := writeSSE(w, "ping", `{"status":"alive"}`)
			if err == nil {
				flusher.Flush()
			}
			conn.mu.Unlock()
			if err != nil {
				h.log.Warn("failed to write SSE keepalive ping", "error", err, "user_id", key.UserID)
				return
			}
		}
	}
}

// connectionCount returns the number of open SSE connections for key.
func (h *Handler) connectionCount(key SessionKey) int {
	h.connectionsMu.RLock()
	defer h.connectionsMu.RUnlock()
	return len(h.sseConnections[key])
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

func writeSSEJSON(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	return writeSSE(w, event, string(data))
}
