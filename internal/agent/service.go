package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/jenkins-detective/internal/domain"
)

var (
	// ErrEmptyMessage is returned when a blank message is sent.
	ErrEmptyMessage = errors.New("message is required")
	// ErrReplyDiscarded is returned by Pending.Wait when the session was
	// cleared before the reply landed.
	ErrReplyDiscarded = errors.New("reply discarded: session was cleared")
	// ErrServiceClosed is returned once Close has been called.
	ErrServiceClosed = errors.New("agent service closed")
)

// persistTimeout bounds a single write-through to the store.
const persistTimeout = 5 * time.Second

// Service owns the chat sessions. Each session has its own lock; replies are
// produced by deferred goroutines after Config.ReplyDelay.
type Service struct {
	processor Processor
	store     SessionStore
	convLog   ConversationLogger
	cfg       Config
	now       func() time.Time
	log       *slog.Logger
	events    chan Event

	mu       sync.Mutex
	sessions map[SessionKey]*sessionState
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
}

type sessionState struct {
	mu       sync.Mutex
	session  *domain.Session
	epoch    uint64   // bumped by Clear; replies from an older epoch are dropped
	last     *Pending // most recent reply, used to keep replies in order
	lastUsed time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSessionStore enables write-through persistence.
func WithSessionStore(st SessionStore) ServiceOption {
	return func(s *Service) { s.store = st }
}

// WithConversationLogger records every user and assistant message.
func WithConversationLogger(l ConversationLogger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.convLog = l
		}
	}
}

// WithServiceClock overrides time.Now.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService creates a session controller around processor.
func NewService(processor Processor, cfg Config, opts ...ServiceOption) (*Service, error) {
	if processor == nil {
		return nil, errors.New("agent: processor is required")
	}
	def := DefaultConfig()
	if cfg.AssistantName == "" {
		cfg.AssistantName = def.AssistantName
	}
	if cfg.ReplyDelay < 0 {
		return nil, fmt.Errorf("agent: reply delay must be >= 0, got %s", cfg.ReplyDelay)
	}
	if cfg.TranscriptTZ == nil {
		cfg.TranscriptTZ = def.TranscriptTZ
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	s := &Service{
		processor: processor,
		convLog:   noopConversationLogger{},
		cfg:       cfg,
		now:       time.Now,
		log:       slog.Default(),
		events:    make(chan Event, cfg.EventBuffer),
		sessions:  make(map[SessionKey]*sessionState),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// RuleCount reports the processor's rule count.
func (s *Service) RuleCount() int {
	return s.processor.RuleCount()
}

// Events returns the channel every session change is published on. It is
// closed by Close.
func (s *Service) Events() <-chan Event {
	return s.events
}

// acquire registers a mutating call so Close can wait for it.
func (s *Service) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	s.wg.Add(1)
	return nil
}

// state returns the in-memory session for key, loading it from the store or
// creating it on first use.
func (s *Service) state(ctx context.Context, key SessionKey) (*sessionState, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServiceClosed
	}
	if st, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return st, nil
	}
	st := &sessionState{lastUsed: s.now()}
	s.sessions[key] = st
	// Hold the session lock while loading so concurrent callers wait for it.
	st.mu.Lock()
	s.mu.Unlock()
	defer st.mu.Unlock()

	st.session = s.load(ctx, key)
	return st, nil
}

func (s *Service) load(ctx context.Context, key SessionKey) *domain.Session {
	if s.store != nil {
		sess, err := s.store.GetChatSession(ctx, key.UserID, key.SessionID)
		if err != nil {
			s.log.Warn("failed to load chat session, starting fresh",
				"user_id", key.UserID, "session_id", key.SessionID, "error", err)
		} else if sess != nil && len(sess.Messages) > 0 {
			return sess
		}
	}
	return domain.NewSession(key.UserID, key.SessionID, s.now())
}

// persistLocked writes the session through to the store. Failures are logged
// only; the in-memory history stays authoritative. Callers hold st.mu so
// snapshots reach the store in order.
func (s *Service) persistLocked(st *sessionState) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.UpsertChatSession(ctx, st.session.Clone()); err != nil {
		s.log.Error("failed to persist chat session",
			"user_id", st.session.UserID, "session_id", st.session.ID, "error", err)
	}
}

func (s *Service) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event buffer full, dropping event",
			"user_id", ev.UserID, "session_id", ev.SessionID, "type", ev.Type)
	}
}

// Send appends the user's message immediately and schedules the reply. The
// returned Pending resolves once the reply has been appended.
func (s *Service) Send(ctx context.Context, key SessionKey, text string) (domain.Message, *Pending, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, nil, ErrEmptyMessage
	}
	if err := s.acquire(); err != nil {
		return domain.Message{}, nil, err
	}
	defer s.wg.Done()

	st, err := s.state(ctx, key)
	if err != nil {
		return domain.Message{}, nil, err
	}

	st.mu.Lock()
	userMsg := st.session.Append(domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   text,
		Timestamp: s.now(),
	})
	epoch := st.epoch
	prev := st.last
	p := newPending()
	st.last = p
	st.lastUsed = s.now()
	s.persistLocked(st)
	s.publish(Event{Type: EventMessage, UserID: key.UserID, SessionID: key.SessionID, Message: &userMsg})
	st.mu.Unlock()

	s.convLog.Log(messageLogEvent(key, "chat_user_message", userMsg))

	s.wg.Add(1)
	go s.reply(key, st, epoch, prev, p, text)

	return userMsg, p, nil
}

// reply waits out the simulated latency and the previous reply, then appends
// the processor's answer unless the session was cleared in the meantime.
func (s *Service) reply(key SessionKey, st *sessionState, epoch uint64, prev, p *Pending, text string) {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.ReplyDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.done:
		p.resolve(domain.Message{}, ErrServiceClosed)
		return
	}

	if prev != nil {
		select {
		case <-prev.Done():
		case <-s.done:
			p.resolve(domain.Message{}, ErrServiceClosed)
			return
		}
	}

	msg := s.processor.Respond(text)

	st.mu.Lock()
	if st.epoch != epoch {
		st.mu.Unlock()
		s.log.Debug("dropping reply for cleared session",
			"user_id", key.UserID, "session_id", key.SessionID)
		p.resolve(domain.Message{}, ErrReplyDiscarded)
		return
	}
	msg = st.session.Append(msg)
	titled := st.session.DeriveTitle()
	title := st.session.Title
	st.lastUsed = s.now()
	s.persistLocked(st)
	p.resolve(msg, nil)
	s.publish(Event{Type: EventMessage, UserID: key.UserID, SessionID: key.SessionID, Message: &msg})
	if titled {
		s.publish(Event{Type: EventTitle, UserID: key.UserID, SessionID: key.SessionID, Title: title})
	}
	st.mu.Unlock()

	s.convLog.Log(messageLogEvent(key, "chat_assistant_message", msg))
}

// Snapshot returns a copy of the session, creating it if needed.
func (s *Service) Snapshot(ctx context.Context, key SessionKey) (*domain.Session, error) {
	st, err := s.state(ctx, key)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastUsed = s.now()
	return st.session.Clone(), nil
}

// Clear resets the session to the greeting and default title. Replies still
// pending for the old history are discarded.
func (s *Service) Clear(ctx context.Context, key SessionKey) (*domain.Session, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.wg.Done()

	st, err := s.state(ctx, key)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.epoch++
	st.last = nil
	st.session.Reset(s.now())
	st.lastUsed = s.now()
	s.persistLocked(st)

	greeting := st.session.Messages[0]
	s.publish(Event{
		Type:      EventCleared,
		UserID:    key.UserID,
		SessionID: key.SessionID,
		Message:   &greeting,
		Title:     st.session.Title,
	})
	s.convLog.Log(ConversationLogEvent{
		UserID:    key.UserID,
		SessionID: key.SessionID,
		Channel:   "chat",
		Direction: "outbound",
		EventType: "session_cleared",
	})
	return st.session.Clone(), nil
}

// Export renders the session as a plain-text transcript.
func (s *Service) Export(ctx context.Context, key SessionKey) (Transcript, error) {
	sess, err := s.Snapshot(ctx, key)
	if err != nil {
		return Transcript{}, err
	}
	return BuildTranscript(sess, s.cfg.AssistantName, s.cfg.TranscriptTZ), nil
}

// HasMessage reports whether the session contains an assistant message with id.
func (s *Service) HasMessage(ctx context.Context, key SessionKey, id string) (bool, error) {
	sess, err := s.Snapshot(ctx, key)
	if err != nil {
		return false, err
	}
	for _, m := range sess.Messages {
		if m.ID == id && m.Role == domain.RoleAssistant {
			return true, nil
		}
	}
	return false, nil
}

// EvictIdle drops in-memory sessions untouched for longer than ttl that have
// no reply in flight. Evicted sessions are reloaded from the store on next use.
func (s *Service) EvictIdle(ttl time.Duration) []SessionKey {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []SessionKey
	for key, st := range s.sessions {
		if !st.mu.TryLock() {
			continue
		}
		idle := st.lastUsed.Before(cutoff) && (st.last == nil || st.last.resolved())
		st.mu.Unlock()
		if idle {
			delete(s.sessions, key)
			evicted = append(evicted, key)
		}
	}
	return evicted
}

// SessionCount returns the number of sessions held in memory.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close cancels outstanding replies, waits for in-flight calls and closes
// the event channel. It is safe to call more than once.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	close(s.events)
}

func messageLogEvent(key SessionKey, eventType string, m domain.Message) ConversationLogEvent {
	direction := "outbound"
	if m.Role == domain.RoleAssistant {
		direction = "inbound"
	}
	ev := ConversationLogEvent{
		Timestamp:  m.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:     key.UserID,
		SessionID:  key.SessionID,
		Channel:    "chat",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: m.Content,
		Meta:       map[string]any{"message_id": m.ID},
	}
	if m.IsDiagnosis() {
		ev.Meta["classification"] = m.Classification
		ev.Meta["confidence"] = *m.Confidence
	}
	return ev
}
