package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/jenkins-detective/internal/catalog"
	"github.com/ashureev/jenkins-detective/internal/domain"
	"github.com/ashureev/jenkins-detective/internal/identity"
	"github.com/ashureev/jenkins-detective/internal/store"
)

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestRouter(t *testing.T, repo store.Repository) http.Handler {
	t.Helper()
	h := NewHandler(repo, catalog.Default(), AppInfo{
		AssistantName: "Jenkins AI",
		ReplyDelay:    1500 * time.Millisecond,
		RuleCount:     7,
	})
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body, userID string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		req = req.WithContext(identity.NewContext(req.Context(), userID, "tab-1"))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestGetMe(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	now := time.Now()
	if err := repo.UpsertUser(context.Background(), &domain.User{
		UserID: "u1", Username: "anon-u1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	r := newTestRouter(t, repo)

	w := do(t, r, http.MethodGet, "/api/me", "", "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	got := decode[map[string]any](t, w)
	if got["user_id"] != "u1" || got["username"] != "anon-u1" || got["session_id"] != "tab-1" {
		t.Errorf("unexpected body: %v", got)
	}

	if w := do(t, r, http.MethodGet, "/api/me", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/api/me", "", "ghost"); w.Code != http.StatusUnauthorized {
		t.Errorf("unknown user status = %d, want 401", w.Code)
	}
}

func TestGetConfig(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, newTestRepo(t))

	w := do(t, r, http.MethodGet, "/api/config", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decode[map[string]any](t, w)
	want := map[string]any{
		"assistant_name": "Jenkins AI",
		"reply_delay_ms": float64(1500),
		"rule_count":     float64(7),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestPrompts(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, newTestRepo(t))

	type promptList struct {
		Prompts []string `json:"prompts"`
	}
	w := do(t, r, http.MethodGet, "/api/prompts", "", "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if diff := cmp.Diff(DefaultPrompts, decode[promptList](t, w).Prompts); diff != "" {
		t.Errorf("initial prompts mismatch (-want +got):\n%s", diff)
	}

	w = do(t, r, http.MethodPost, "/api/prompts", `{"prompt":"  Why is ATH red?  "}`, "u1")
	if w.Code != http.StatusCreated {
		t.Fatalf("save status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]string](t, w); got["status"] != "saved" || got["prompt"] != "Why is ATH red?" {
		t.Errorf("save body = %v", got)
	}

	w = do(t, r, http.MethodPost, "/api/prompts", `{"prompt":"Why is ATH red?"}`, "u1")
	if got := decode[map[string]string](t, w); w.Code != http.StatusOK || got["status"] != "already_saved" {
		t.Errorf("duplicate save = %d %v", w.Code, got)
	}

	body, _ := json.Marshal(map[string]string{"prompt": DefaultPrompts[0]})
	w = do(t, r, http.MethodPost, "/api/prompts", string(body), "u1")
	if got := decode[map[string]string](t, w); w.Code != http.StatusOK || got["status"] != "already_saved" {
		t.Errorf("default save = %d %v", w.Code, got)
	}

	w = do(t, r, http.MethodGet, "/api/prompts", "", "u1")
	want := append(append([]string{}, DefaultPrompts...), "Why is ATH red?")
	if diff := cmp.Diff(want, decode[promptList](t, w).Prompts); diff != "" {
		t.Errorf("prompts after save mismatch (-want +got):\n%s", diff)
	}

	// Saved prompts are per user.
	w = do(t, r, http.MethodGet, "/api/prompts", "", "u2")
	if got := decode[promptList](t, w).Prompts; len(got) != len(DefaultPrompts) {
		t.Errorf("other user sees %d prompts, want %d", len(got), len(DefaultPrompts))
	}
}

func TestSavePromptRejects(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, newTestRepo(t))

	tests := []struct {
		name   string
		body   string
		userID string
		want   int
	}{
		{"blank", `{"prompt":"   "}`, "u1", http.StatusBadRequest},
		{"malformed", `{"prompt":`, "u1", http.StatusBadRequest},
		{"too long", `{"prompt":"` + strings.Repeat("a", maxPromptLength+1) + `"}`, "u1", http.StatusBadRequest},
		{"anonymous", `{"prompt":"hi"}`, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/api/prompts", tt.body, tt.userID)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestBuilds(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, newTestRepo(t))

	w := do(t, r, http.MethodGet, "/api/builds", "", "")
	got := decode[map[string][]catalog.Repo](t, w)
	if diff := cmp.Diff(catalog.Default().Repos(), got["repositories"]); diff != "" {
		t.Errorf("repositories mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeBuild(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, newTestRepo(t))

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantPrompt string
	}{
		{"valid", `{"repository":"jenkins-core","build":"#5823"}`, http.StatusOK, "Analyze the failure in Jenkins Core build #5823"},
		{"bare build number", `{"repository":"jenkins-core","build":"5823"}`, http.StatusOK, "Analyze the failure in Jenkins Core build #5823"},
		{"missing build", `{"repository":"jenkins-core"}`, http.StatusBadRequest, ""},
		{"unknown repo", `{"repository":"nope","build":"#1"}`, http.StatusNotFound, ""},
		{"unknown build", `{"repository":"jenkins-core","build":"#1"}`, http.StatusNotFound, ""},
		{"malformed", `not json`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/api/builds/analyze", tt.body, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantPrompt != "" {
				if got := decode[map[string]string](t, w)["prompt"]; got != tt.wantPrompt {
					t.Errorf("prompt = %q, want %q", got, tt.wantPrompt)
				}
			}
		})
	}
}

func TestDashboardAndAnalytics(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()
	for i, positive := range []bool{true, true, false} {
		if err := repo.RecordFeedback(ctx, domain.Feedback{
			MessageID: "m" + string(rune('0'+i)), UserID: "u1", SessionID: "s1",
			Positive: positive, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("RecordFeedback() error = %v", err)
		}
	}
	r := newTestRouter(t, repo)

	w := do(t, r, http.MethodGet, "/api/dashboard", "", "")
	dash := decode[catalog.Dashboard](t, w)
	if diff := cmp.Diff(catalog.Default().Dashboard(), dash); diff != "" {
		t.Errorf("dashboard mismatch (-want +got):\n%s", diff)
	}

	w = do(t, r, http.MethodGet, "/api/analytics", "", "")
	got := decode[analyticsResponse](t, w)
	if diff := cmp.Diff(feedbackTotals{Positive: 2, Negative: 1}, got.Feedback); diff != "" {
		t.Errorf("feedback mismatch (-want +got):\n%s", diff)
	}
	if len(got.FailureTypes) == 0 {
		t.Error("analytics missing failure types")
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantState  string
	}{
		{"healthy", nil, http.StatusOK, "healthy"},
		{"database down", errors.New("disk gone"), http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHealthHandler(fakePinger{err: tt.err}, time.Second).RegisterHealth(r)
			w := do(t, r, http.MethodGet, "/health", "", "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := decode[map[string]any](t, w)["status"]; got != tt.wantState {
				t.Errorf("status field = %v, want %s", got, tt.wantState)
			}
		})
	}
}
