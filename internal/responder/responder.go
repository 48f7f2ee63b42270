// Package responder turns a free-text question into a canned diagnosis by
// matching trigger substrings against an ordered rule table.
package responder

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/jenkins-detective/internal/domain"
	"github.com/google/uuid"
)

// ErrNoRules is returned when a responder is built from an empty table.
var ErrNoRules = errors.New("responder: rule table is empty")

// Rule pairs a set of trigger substrings with a canned diagnosis.
type Rule struct {
	Name           string                `yaml:"name"`
	Triggers       []string              `yaml:"triggers"`
	Response       string                `yaml:"response"`
	Classification domain.Classification `yaml:"classification"`
	Confidence     float64               `yaml:"confidence"`
}

// matches reports whether any trigger occurs in the lowercased query.
func (r Rule) matches(query string) bool {
	for _, trigger := range r.Triggers {
		if strings.Contains(query, trigger) {
			return true
		}
	}
	return false
}

func (r Rule) validate() error {
	if len(r.Triggers) == 0 {
		return errors.New("no triggers")
	}
	for i, trigger := range r.Triggers {
		if strings.TrimSpace(trigger) == "" {
			return fmt.Errorf("trigger %d is blank", i)
		}
	}
	if r.Response == "" {
		return errors.New("empty response")
	}
	if !r.Classification.Valid() {
		return fmt.Errorf("unknown classification %q", r.Classification)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}
	return nil
}

// Option customizes a Responder.
type Option func(*Responder)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Responder) { r.now = now }
}

// WithIDGenerator overrides how message ids are produced.
func WithIDGenerator(newID func() string) Option {
	return func(r *Responder) { r.newID = newID }
}

// WithFallback replaces the no-match reply.
func WithFallback(rule Rule) Option {
	return func(r *Responder) { r.fallback = rule }
}

// Responder evaluates rules in order; the first rule with any matching
// trigger wins. It holds no mutable state and is safe for concurrent use.
type Responder struct {
	rules    []Rule
	fallback Rule
	now      func() time.Time
	newID    func() string
}

// New validates rules and returns a Responder that evaluates them in order.
// Triggers are lowercased once here so matching is case-insensitive.
func New(rules []Rule, opts ...Option) (*Responder, error) {
	if len(rules) == 0 {
		return nil, ErrNoRules
	}

	normalized := make([]Rule, len(rules))
	for i, rule := range rules {
		if err := rule.validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
		triggers := make([]string, len(rule.Triggers))
		for j, trigger := range rule.Triggers {
			triggers[j] = strings.ToLower(trigger)
		}
		rule.Triggers = triggers
		normalized[i] = rule
	}

	r := &Responder{
		rules:    normalized,
		fallback: Fallback,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Default returns a Responder over the built-in table.
func Default(opts ...Option) *Responder {
	r, err := New(DefaultRules(), opts...)
	if err != nil {
		panic("responder: built-in rules are invalid: " + err.Error())
	}
	return r
}

// Match returns the index of the first matching rule, or -1 and false.
func (r *Responder) Match(query string) (int, bool) {
	q := strings.ToLower(query)
	for i, rule := range r.rules {
		if rule.matches(q) {
			return i, true
		}
	}
	return -1, false
}

// Rule returns the selected rule for query, falling back when nothing matches.
func (r *Responder) Rule(query string) Rule {
	if i, ok := r.Match(query); ok {
		return r.rules[i]
	}
	return r.fallback
}

// Respond builds the assistant reply for query. It never fails.
func (r *Responder) Respond(query string) domain.Message {
	rule := r.Rule(query)
	confidence := rule.Confidence
	return domain.Message{
		ID:             r.newID(),
		Role:           domain.RoleAssistant,
		Content:        rule.Response,
		Timestamp:      r.now(),
		Classification: rule.Classification,
		Confidence:     &confidence,
	}
}

// Rules returns a copy of the rule table in evaluation order.
func (r *Responder) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	for i, rule := range r.rules {
		rule.Triggers = append([]string(nil), rule.Triggers...)
		out[i] = rule
	}
	return out
}

// RuleCount returns the number of rules, not counting the fallback.
func (r *Responder) RuleCount() int {
	return len(r.rules)
}
