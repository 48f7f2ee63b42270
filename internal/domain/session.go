package domain

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultTitle is shown until the first reply derives a real title.
	DefaultTitle = "New Conversation"

	// GreetingText opens every new or cleared session.
	GreetingText = "Hello! I'm the Jenkins AI Detective. I can help diagnose build failures from ci.jenkins.io data. What would you like to know?"

	titleMaxRunes = 25
	titleEllipsis = "..."
)

// Session holds the conversation for one user tab.
type Session struct {
	UserID    string    `json:"-"`
	ID        string    `json:"session_id"`
	Title     string    `json:"title"`
	TitleSet  bool      `json:"title_set"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession returns a session containing only the greeting.
func NewSession(userID, sessionID string, now time.Time) *Session {
	s := &Session{
		UserID:    userID,
		ID:        sessionID,
		CreatedAt: now,
	}
	s.Reset(now)
	return s
}

// Greeting builds the assistant greeting message.
func Greeting(now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   GreetingText,
		Timestamp: now,
	}
}

// Reset drops all history and restores the greeting and default title.
func (s *Session) Reset(now time.Time) {
	s.Messages = []Message{Greeting(now)}
	s.Title = DefaultTitle
	s.TitleSet = false
	s.UpdatedAt = now
}

// Append adds m to the end of the history. The timestamp is raised to the
// last message's timestamp if it would otherwise go backwards.
func (s *Session) Append(m Message) Message {
	if n := len(s.Messages); n > 0 {
		if last := s.Messages[n-1].Timestamp; m.Timestamp.Before(last) {
			m.Timestamp = last
		}
	}
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = m.Timestamp
	return m
}

// FirstUserMessage returns the earliest message sent by the user.
func (s *Session) FirstUserMessage() (Message, bool) {
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			return m, true
		}
	}
	return Message{}, false
}

// DeriveTitle sets the title from the first user message. It only acts once
// per history and reports whether the title changed.
func (s *Session) DeriveTitle() bool {
	if s.TitleSet {
		return false
	}
	first, ok := s.FirstUserMessage()
	if !ok {
		return false
	}
	s.Title = TitleFrom(first.Content)
	s.TitleSet = true
	return true
}

// LastActivity returns the timestamp of the newest message.
func (s *Session) LastActivity() time.Time {
	if n := len(s.Messages); n > 0 {
		return s.Messages[n-1].Timestamp
	}
	return s.UpdatedAt
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	for i := range c.Messages {
		if conf := c.Messages[i].Confidence; conf != nil {
			v := *conf
			c.Messages[i].Confidence = &v
		}
	}
	return &c
}

// TitleFrom truncates text to the first 25 characters and appends "..."
// when anything was cut.
func TitleFrom(text string) string {
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:titleMaxRunes]) + titleEllipsis
}
