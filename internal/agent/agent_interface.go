package agent

import (
	"context"

	"github.com/ashureev/jenkins-detective/internal/domain"
	"github.com/ashureev/jenkins-detective/internal/responder"
)

// Processor produces the assistant reply for a query.
// This interface is implemented by responder.Responder.
type Processor interface {
	// Respond returns a complete assistant message. It must not fail.
	Respond(query string) domain.Message

	// RuleCount reports how many rules the processor evaluates.
	RuleCount() int
}

// SessionStore persists chat sessions. store.Repository satisfies it.
type SessionStore interface {
	GetChatSession(ctx context.Context, userID, sessionID string) (*domain.Session, error)
	UpsertChatSession(ctx context.Context, session *domain.Session) error
}

// FeedbackRecorder stores votes on assistant messages.
type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, fb domain.Feedback) error
}

// Sink receives every session event after the SSE fan-out. The WebSocket
// session manager implements it.
type Sink interface {
	Publish(ev Event)
}

// Ensure Responder implements Processor.
var _ Processor = (*responder.Responder)(nil)
