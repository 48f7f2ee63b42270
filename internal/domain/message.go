package domain

import (
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Classification is the failure category attached to a diagnosis.
type Classification string

const (
	ClassInfrastructure Classification = "infrastructure"
	ClassCode           Classification = "code"
	ClassFlaky          Classification = "flaky"
	ClassUnknown        Classification = "unknown"
)

// Valid reports whether c is one of the known classifications.
func (c Classification) Valid() bool {
	switch c {
	case ClassInfrastructure, ClassCode, ClassFlaky, ClassUnknown:
		return true
	}
	return false
}

// Message is a single chat entry. Classification and Confidence are only
// set on assistant replies produced by the responder.
type Message struct {
	ID             string         `json:"id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	Classification Classification `json:"classification,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
}

// IsDiagnosis reports whether the message carries a classification.
func (m Message) IsDiagnosis() bool {
	return m.Classification != "" && m.Confidence != nil
}

// ConfidencePercent returns the confidence as a whole percentage, or -1 if unset.
func (m Message) ConfidencePercent() int {
	if m.Confidence == nil {
		return -1
	}
	return int(*m.Confidence*100 + 0.5)
}
