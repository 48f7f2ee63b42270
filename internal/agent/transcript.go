package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/jenkins-detective/internal/domain"
)

const (
	transcriptTimeLayout = "1/2/2006, 3:04:05 PM"
	transcriptUserLabel  = "You"
	transcriptSuffix     = "-chat.txt"
)

// Transcript is a downloadable plain-text export of a session.
type Transcript struct {
	FileName string
	Body     string
}

// BuildTranscript formats every message as "[time] Speaker: content",
// separated by blank lines.
func BuildTranscript(sess *domain.Session, assistantName string, loc *time.Location) Transcript {
	if loc == nil {
		loc = time.Local
	}
	entries := make([]string, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		speaker := assistantName
		if m.Role == domain.RoleUser {
			speaker = transcriptUserLabel
		}
		entries = append(entries, fmt.Sprintf("[%s] %s: %s",
			m.Timestamp.In(loc).Format(transcriptTimeLayout), speaker, m.Content))
	}
	return Transcript{
		FileName: TranscriptFileName(sess.Title),
		Body:     strings.Join(entries, "\n\n"),
	}
}

// TranscriptFileName turns a title into a file name: every character outside
// [A-Za-z0-9] becomes "_", the result is lowercased and "-chat.txt" appended.
func TranscriptFileName(title string) string {
	var b strings.Builder
	b.Grow(len(title) + len(transcriptSuffix))
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('_')
		}
	}
	b.WriteString(transcriptSuffix)
	return b.String()
}
