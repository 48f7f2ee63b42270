// Package agent runs chat sessions against the rule-based responder and
// streams their events to HTTP and WebSocket clients.
package agent

import (
	"time"

	"github.com/ashureev/jenkins-detective/internal/domain"
)

// SessionKey identifies one chat session: a user's browser tab.
type SessionKey struct {
	UserID    string
	SessionID string
}

func (k SessionKey) String() string {
	return k.UserID + ":" + k.SessionID
}

// EventType names a change to a session.
type EventType string

const (
	// EventMessage carries a newly appended message (user or assistant).
	EventMessage EventType = "message"
	// EventTitle carries the title derived from the first user message.
	EventTitle EventType = "title"
	// EventCleared signals the history was reset; Message holds the new greeting.
	EventCleared EventType = "cleared"
)

// Event is published whenever a session changes.
type Event struct {
	Type      EventType       `json:"type"`
	UserID    string          `json:"-"`
	SessionID string          `json:"session_id"`
	Message   *domain.Message `json:"message,omitempty"`
	Title     string          `json:"title,omitempty"`
}

// Key returns the session the event belongs to.
func (e Event) Key() SessionKey {
	return SessionKey{UserID: e.UserID, SessionID: e.SessionID}
}

// ChatRequest represents a chat request to the agent.
type ChatRequest struct {
	Message string `json:"message"`
	// Async makes POST /api/agent/chat return 202 right after the user
	// message is appended; the reply arrives on the event stream.
	Async bool `json:"async,omitempty"`
}

// ChatAccepted is the body of an async chat response.
type ChatAccepted struct {
	Status      string      `json:"status"`
	UserMessage MessageView `json:"user_message"`
}

// FeedbackRequest is the body of POST /api/agent/messages/{id}/feedback.
type FeedbackRequest struct {
	Positive bool `json:"positive"`
}

// MessageView is a message as sent to clients, with its markdown rendered.
type MessageView struct {
	domain.Message
	HTML              string `json:"html"`
	ConfidencePercent int    `json:"confidence_percent,omitempty"`
}

// SessionView is a session snapshot as sent to clients.
type SessionView struct {
	SessionID string        `json:"session_id"`
	Title     string        `json:"title"`
	Messages  []MessageView `json:"messages"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Config holds agent configuration.
type Config struct {
	AssistantName string
	ReplyDelay    time.Duration
	TranscriptTZ  *time.Location
	EventBuffer   int
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		AssistantName: "Jenkins AI",
		ReplyDelay:    1500 * time.Millisecond,
		TranscriptTZ:  time.Local,
		EventBuffer:   256,
	}
}
