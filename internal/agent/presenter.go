package agent

import (
	"log/slog"

	"github.com/ashureev/jenkins-detective/internal/domain"
	"github.com/ashureev/jenkins-detective/internal/render"
)

// Presenter turns domain values into client views with rendered markdown.
type Presenter struct {
	md  *render.Markdown
	log *slog.Logger
}

// NewPresenter returns a Presenter. A nil md uses the default style.
func NewPresenter(md *render.Markdown) *Presenter {
	if md == nil {
		md = render.New("")
	}
	return &Presenter{md: md, log: slog.Default().With("component", "presenter")}
}

// Message renders a message for clients.
func (p *Presenter) Message(m domain.Message) MessageView {
	html, err := p.md.HTML(m.Content)
	if err != nil {
		p.log.Warn("failed to render message", "message_id", m.ID, "error", err)
	}
	v := MessageView{Message: m, HTML: html}
	if m.IsDiagnosis() {
		v.ConfidencePercent = m.ConfidencePercent()
	}
	return v
}

// Session renders a session snapshot for clients.
func (p *Presenter) Session(sess *domain.Session) SessionView {
	views := make([]MessageView, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		views = append(views, p.Message(m))
	}
	return SessionView{
		SessionID: sess.ID,
		Title:     sess.Title,
		Messages:  views,
		UpdatedAt: sess.UpdatedAt,
	}
}

// EventPayload is an event as sent over SSE and WebSocket.
type EventPayload struct {
	Type      EventType    `json:"type"`
	SessionID string       `json:"session_id"`
	Message   *MessageView `json:"message,omitempty"`
	Title     string       `json:"title,omitempty"`
}

// Event renders ev for clients.
func (p *Presenter) Event(ev Event) EventPayload {
	out := EventPayload{Type: ev.Type, SessionID: ev.SessionID, Title: ev.Title}
	if ev.Message != nil {
		v := p.Message(*ev.Message)
		out.Message = &v
	}
	return out
}
