// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/jenkins-detective/internal/domain"
)

// Repository defines the interface for persisting users, chat sessions,
// saved prompts and feedback.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetChatSession retrieves the stored session for a user tab.
	// Returns nil, nil when none exists.
	GetChatSession(ctx context.Context, userID, sessionID string) (*domain.Session, error)

	// UpsertChatSession stores a full session snapshot.
	UpsertChatSession(ctx context.Context, session *domain.Session) error

	// CleanupExpiredSessions removes sessions not updated within ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// ListSavedPrompts returns a user's saved prompts, oldest first.
	ListSavedPrompts(ctx context.Context, userID string) ([]domain.SavedPrompt, error)

	// AddSavedPrompt stores a prompt and reports whether it was new.
	AddSavedPrompt(ctx context.Context, prompt domain.SavedPrompt) (bool, error)

	// RecordFeedback stores or replaces a vote on a message.
	RecordFeedback(ctx context.Context, fb domain.Feedback) error

	// FeedbackCounts returns the number of positive and negative votes.
	FeedbackCounts(ctx context.Context) (positive int64, negative int64, err error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
