// Package domain contains core domain types for the Jenkins AI Detective.
package domain

import (
	"time"
)

// User represents an anonymous visitor identified by a device cookie.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdleFor returns how long the user has been inactive as of now.
// Returns 0 if LastSeenAt is in the future.
func (u *User) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(u.LastSeenAt)
	if idle < 0 {
		return 0
	}
	return idle
}

// Feedback is a thumbs up/down vote on an assistant message.
type Feedback struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Positive  bool      `json:"positive"`
	CreatedAt time.Time `json:"created_at"`
}

// SavedPrompt is a prompt a user kept for reuse.
type SavedPrompt struct {
	UserID    string    `json:"-"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
