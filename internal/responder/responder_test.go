package responder

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/jenkins-detective/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestRespond_Scenarios(t *testing.T) {
	t.Parallel()

	r := Default()
	tests := []struct {
		query      string
		wantClass  domain.Classification
		wantConf   float64
		wantPrefix string
	}{
		{"Why did the Jenkins Core build #5823 fail?", domain.ClassInfrastructure, 0.87, "After analyzing the Jenkins Core build #5823"},
		{"Is the acceptance test harness failure a flaky test?", domain.ClassFlaky, 0.79, "I've examined the Acceptance Test Harness"},
		{"asdkjalksdj", domain.ClassUnknown, 0.3, "I don't have specific information"},
		{"Plugin BOM is red again", domain.ClassCode, 0.92, "Looking at the Plugin BOM build #349"},
		{"pipeline 782 broke overnight", domain.ClassInfrastructure, 0.85, "After analyzing Pipeline Plugin build #782"},
		{"Docker build 455 broke", domain.ClassCode, 0.95, "I've analyzed Docker Plugin build #455"},
		{"show me failure statistics", domain.ClassUnknown, 0.89, "Based on analysis of ci.jenkins.io data"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			msg := r.Respond(tt.query)
			if msg.Role != domain.RoleAssistant {
				t.Errorf("expected assistant role, got %q", msg.Role)
			}
			if msg.Classification != tt.wantClass {
				t.Errorf("classification = %q, want %q", msg.Classification, tt.wantClass)
			}
			if msg.Confidence == nil || *msg.Confidence != tt.wantConf {
				t.Errorf("confidence = %v, want %v", msg.Confidence, tt.wantConf)
			}
			if !strings.HasPrefix(msg.Content, tt.wantPrefix) {
				t.Errorf("content %q does not start with %q", msg.Content[:40], tt.wantPrefix)
			}
		})
	}
}

func TestRespond_FirstMatchWins(t *testing.T) {
	t.Parallel()

	r := Default()
	// Mentions both the Docker rule and the earlier Jenkins Core rule.
	msg := r.Respond("docker agents and the jenkins core build")
	if msg.Classification != domain.ClassInfrastructure || *msg.Confidence != 0.87 {
		t.Fatalf("expected the earlier Jenkins Core rule to win, got %s %v", msg.Classification, *msg.Confidence)
	}

	// "why" belongs to rule 4 but "plugin" in rule 2 comes first.
	msg = r.Respond("why does the docker plugin fail")
	if msg.Classification != domain.ClassCode || *msg.Confidence != 0.92 {
		t.Fatalf("expected plugin rule, got %s %v", msg.Classification, *msg.Confidence)
	}
}

func TestRespond_CaseInsensitive(t *testing.T) {
	t.Parallel()

	r := Default()
	lower := r.Respond("jenkins core")
	upper := r.Respond("JENKINS CORE")
	if lower.Content != upper.Content || lower.Classification != upper.Classification {
		t.Error("matching must ignore case")
	}
}

func TestRespond_SubstringNotWordBoundary(t *testing.T) {
	t.Parallel()

	r := Default()
	tests := []struct {
		query string
		want  domain.Classification
		conf  float64
	}{
		{"hardcore builders unite", domain.ClassInfrastructure, 0.87},
		{"run a bath", domain.ClassFlaky, 0.79},
		{"what is my path", domain.ClassFlaky, 0.79},
	}
	for _, tt := range tests {
		msg := r.Respond(tt.query)
		if msg.Classification != tt.want || *msg.Confidence != tt.conf {
			t.Errorf("Respond(%q) = %s %v, want %s %v", tt.query, msg.Classification, *msg.Confidence, tt.want, tt.conf)
		}
	}
}

func TestRespond_EmptyAndWhitespaceFallBack(t *testing.T) {
	t.Parallel()

	r := Default()
	for _, q := range []string{"", "   ", "\n\t"} {
		msg := r.Respond(q)
		if msg.Content != FallbackText || msg.Classification != domain.ClassUnknown || *msg.Confidence != FallbackConfidence {
			t.Errorf("Respond(%q) did not return the fallback", q)
		}
	}
}

func TestRespond_Idempotent(t *testing.T) {
	t.Parallel()

	r := Default()
	a := r.Respond("Why did the Jenkins Core build #5823 fail?")
	b := r.Respond("Why did the Jenkins Core build #5823 fail?")

	if diff := cmp.Diff(a, b, cmpopts.IgnoreFields(domain.Message{}, "ID", "Timestamp")); diff != "" {
		t.Errorf("responses differ (-first +second):\n%s", diff)
	}
	if a.ID == b.ID {
		t.Error("each reply should get a fresh id")
	}
}

func TestRespond_UsesInjectedClockAndIDs(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Default(WithClock(func() time.Time { return fixed }), WithIDGenerator(func() string { return "msg-1" }))

	msg := r.Respond("asdkjalksdj")
	if msg.ID != "msg-1" || !msg.Timestamp.Equal(fixed) {
		t.Errorf("unexpected id/timestamp: %s %v", msg.ID, msg.Timestamp)
	}
}

func TestRespond_ConfidenceNotShared(t *testing.T) {
	t.Parallel()

	r := Default()
	a := r.Respond("docker")
	*a.Confidence = 0
	b := r.Respond("docker")
	if *b.Confidence != 0.95 {
		t.Fatalf("mutating one reply leaked into the rule table: %v", *b.Confidence)
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()

	r := Default()
	if i, ok := r.Match("Tell me about recent infrastructure issues in Plugin BOM"); !ok || i != 1 {
		t.Errorf("expected rule 1, got %d %v", i, ok)
	}
	if i, ok := r.Match("nothing relevant"); ok || i != -1 {
		t.Errorf("expected no match, got %d %v", i, ok)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	valid := Rule{Triggers: []string{"x"}, Response: "r", Classification: domain.ClassCode, Confidence: 0.5}
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"empty table", nil},
		{"no triggers", []Rule{{Response: "r", Classification: domain.ClassCode}}},
		{"blank trigger", []Rule{{Triggers: []string{" "}, Response: "r", Classification: domain.ClassCode}}},
		{"bad classification", []Rule{{Triggers: []string{"x"}, Response: "r", Classification: "network"}}},
		{"confidence too high", []Rule{{Triggers: []string{"x"}, Response: "r", Classification: domain.ClassCode, Confidence: 1.2}}},
		{"second rule bad", []Rule{valid, {Triggers: []string{"y"}, Classification: domain.ClassCode}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.rules); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if _, err := New(nil); !errors.Is(err, ErrNoRules) {
		t.Errorf("expected ErrNoRules, got %v", err)
	}
}

func TestNew_LowercasesTriggers(t *testing.T) {
	t.Parallel()

	r, err := New([]Rule{{Triggers: []string{"Flaky Retry"}, Response: "r", Classification: domain.ClassFlaky, Confidence: 0.4}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := r.Match("a FLAKY RETRY happened"); !ok {
		t.Error("expected mixed-case trigger to match")
	}
	if got := r.Rules()[0].Triggers[0]; got != "flaky retry" {
		t.Errorf("expected normalized trigger, got %q", got)
	}
}

func TestRules_ReturnsCopy(t *testing.T) {
	t.Parallel()

	r := Default()
	rules := r.Rules()
	rules[0].Triggers[0] = "mutated"
	if r.Rules()[0].Triggers[0] != "jenkins core" {
		t.Error("Rules must not expose internal slices")
	}
	if r.RuleCount() != len(DefaultRules()) {
		t.Errorf("RuleCount = %d, want %d", r.RuleCount(), len(DefaultRules()))
	}
}

func TestFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := `rules:
  - name: oom
    triggers: ["OutOfMemory", "heap"]
    response: "The agent ran out of memory."
    classification: infrastructure
    confidence: 0.7
  - name: compile
    triggers: ["compilation"]
    response: "A compilation error."
    classification: code
    confidence: 0.9
fallback:
  response: "No idea."
  classification: unknown
  confidence: 0.1
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	r, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}
	if r.RuleCount() != 2 {
		t.Fatalf("expected 2 rules, got %d", r.RuleCount())
	}

	msg := r.Respond("java.lang.OutOfMemoryError: Java heap space")
	if msg.Classification != domain.ClassInfrastructure || *msg.Confidence != 0.7 {
		t.Errorf("unexpected reply %s %v", msg.Classification, *msg.Confidence)
	}

	msg = r.Respond("something else")
	if msg.Content != "No idea." || *msg.Confidence != 0.1 {
		t.Errorf("expected custom fallback, got %q %v", msg.Content, *msg.Confidence)
	}
}

func TestParseRules_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"empty", "rules: []\n"},
		{"unknown field", "rules:\n  - trigger: [x]\n"},
		{"bad fallback", "rules:\n  - triggers: [x]\n    response: r\n    classification: code\nfallback:\n  response: r\n  classification: nope\n"},
		{"not yaml", "rules: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseRules([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
