package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/jenkins-detective/internal/config"
	"github.com/ashureev/jenkins-detective/internal/domain"
	"github.com/ashureev/jenkins-detective/internal/identity"
	"github.com/ashureev/jenkins-detective/internal/responder"
)

type fakeFeedback struct {
	mu    sync.Mutex
	votes []domain.Feedback
}

func (f *fakeFeedback) RecordFeedback(_ context.Context, fb domain.Feedback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, fb)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute},
		SSE: config.SSEConfig{
			KeepaliveInterval:  time.Hour,
			RetryDelay:         time.Second,
			MaxRequestBodySize: 1 << 16,
			ReplayBufferSize:   50,
		},
		Timeout: config.TimeoutConfig{ReplyWait: 5 * time.Second},
	}
}

type handlerEnv struct {
	svc      *Service
	h        *Handler
	router   http.Handler
	feedback *fakeFeedback
	sink     *recordingSink
}

func newHandlerEnv(t *testing.T, cfg *config.Config, delay time.Duration) *handlerEnv {
	t.Helper()
	svc := newTestService(t, responder.Default(), delay)
	fb := &fakeFeedback{}
	sink := &recordingSink{}
	h := NewHandler(svc, fb, NewPresenter(nil), cfg, sink)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := identity.NewContext(req.Context(), testKey.UserID, testKey.SessionID)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	h.RegisterRoutes(r)
	return &handlerEnv{svc: svc, h: h, router: r, feedback: fb, sink: sink}
}

func (e *handlerEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleChat_StreamsUserMessageThenReply(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, testConfig(), 10*time.Millisecond)
	rec := env.do(http.MethodPost, "/api/agent/chat", `{"message":"Why did the Jenkins Core build #5823 fail?"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	userIdx := strings.Index(body, "event: user_message")
	replyIdx := strings.Index(body, "event: message")
	if userIdx < 0 || replyIdx < 0 || userIdx > replyIdx {
		t.Fatalf("expected user_message before message, body:\n%s", body)
	}

	var reply MessageView
	line := body[replyIdx:]
	line = line[strings.Index(line, "data: ")+len("data: "):]
	line = line[:strings.Index(line, "\n")]
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Classification != domain.ClassInfrastructure || reply.ConfidencePercent != 87 {
		t.Fatalf("reply = %+v", reply)
	}
	if !strings.Contains(reply.HTML, "<strong>") {
		t.Fatalf("reply HTML not rendered: %q", reply.HTML)
	}
}

func TestHandleChat_Async(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, testConfig(), 10*time.Millisecond)
	rec := env.do(http.MethodPost, "/api/agent/chat", `{"message":"asdkjalksdj","async":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got ChatAccepted
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "pending" || got.UserMessage.Content != "asdkjalksdj" || got.UserMessage.Role != domain.RoleUser {
		t.Fatalf("unexpected body: %+v", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, _ := env.svc.Snapshot(context.Background(), testKey)
		if len(sess.Messages) == 3 {
			if c := sess.Messages[2].Classification; c != domain.ClassUnknown {
				t.Fatalf("reply classification = %s, want unknown", c)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("async reply never landed")
}

func TestHandleChat_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"empty message", `{"message":""}`, http.StatusBadRequest},
		{"blank message", `{"message":"   "}`, http.StatusBadRequest},
		{"invalid json", `{"message":`, http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("x", 1<<17) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newHandlerEnv(t, testConfig(), 0)
			rec := env.do(http.MethodPost, "/api/agent/chat", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Fatalf("expected JSON error body, got %v (%v)", body, err)
			}
		})
	}
}

func TestHandleChat_RateLimited(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateLimit.RequestsPerWindow = 1
	env := newHandlerEnv(t, cfg, 0)

	if rec := env.do(http.MethodPost, "/api/agent/chat", `{"message":"one","async":true}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/agent/chat", `{"message":"two","async":true}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
}

func TestHandleChat_Unauthorized(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, responder.Default(), 0)
	h := NewHandler(svc, nil, nil, nil)
	t.Cleanup(h.Close)

	rec := httptest.NewRecorder()
	h.HandleChat(rec, httptest.NewRequest(http.MethodPost, "/api/agent/chat", strings.NewReader(`{"message":"hi"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleSessionAndClear(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, testConfig(), 0)
	_, p, err := env.svc.Send(context.Background(), testKey, "Is the plugin BOM broken?")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitReply(t, p)

	rec := env.do(http.MethodGet, "/api/agent/session", "")
	var view SessionView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Messages) != 3 || view.Title != "Is the plugin BOM broken?" {
		t.Fatalf("session view = %+v", view)
	}
	if view.Messages[2].ConfidencePercent != 92 || view.Messages[2].HTML == "" {
		t.Fatalf("reply view = %+v", view.Messages[2])
	}

	rec = env.do(http.MethodPost, "/api/agent/session/clear", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	view = SessionView{}
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Messages) != 1 || view.Title != domain.DefaultTitle {
		t.Fatalf("cleared view = %+v", view)
	}
}

func TestHandleExport(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, testConfig(), 0)
	rec := env.do(http.MethodGet, "/api/agent/export", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="new_conversation-chat.txt"` {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if !strings.Contains(rec.Body.String(), "] Jenkins AI: "+domain.GreetingText) {
		t.Fatalf("transcript body = %q", rec.Body.String())
	}
}

func TestHandleFeedback(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, testConfig(), 0)
	sess, _ := env.svc.Snapshot(context.Background(), testKey)
	greetingID := sess.Messages[0].ID

	rec := env.do(http.MethodPost, "/api/agent/messages/"+greetingID+"/feedback", `{"positive":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	env.feedback.mu.Lock()
	votes := append([]domain.Feedback(nil), env.feedback.votes...)
	env.feedback.mu.Unlock()
	if len(votes) != 1 || votes[0].MessageID != greetingID || !votes[0].Positive || votes[0].SessionID != testKey.SessionID {
		t.Fatalf("recorded votes = %+v", votes)
	}

	if rec := env.do(http.MethodPost, "/api/agent/messages/nope/feedback", `{"positive":false}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown message status = %d, want 404", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/agent/messages/"+greetingID+"/feedback", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d, want 400", rec.Code)
	}
}

func TestBroadcastForwardsToSinks(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, testConfig(), 0)
	_, p, _ := env.svc.Send(context.Background(), testKey, "hello")
	waitReply(t, p)

	// user message, reply, title
	deadline := time.Now().Add(5 * time.Second)
	for env.sink.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sink received %d events, want 3", env.sink.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleStream_LiveAndReplay(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, testConfig(), 0)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	open := func(lastEventID string) (*http.Response, *bufio.Reader) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/agent/stream", nil)
		if lastEventID != "" {
			req.Header.Set("Last-Event-ID", lastEventID)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("stream request failed: %v", err)
		}
		return resp, bufio.NewReader(resp.Body)
	}
	readUntil := func(r *bufio.Reader, prefix string) []string {
		var lines []string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream (waiting for %q): %v; got %v", prefix, err, lines)
			}
			line = strings.TrimRight(line, "\n")
			lines = append(lines, line)
			if strings.HasPrefix(line, prefix) {
				return lines
			}
		}
	}

	resp, r := open("")
	readUntil(r, "event: connected")
	deadline := time.Now().Add(5 * time.Second)
	for env.h.connectionCount(testKey) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, p, _ := env.svc.Send(context.Background(), testKey, "pipeline 782 broke overnight")
	waitReply(t, p)

	lines := readUntil(r, "event: title")
	var firstID string
	for _, l := range lines {
		if strings.HasPrefix(l, "id: ") {
			firstID = strings.TrimPrefix(l, "id: ")
			break
		}
	}
	if firstID == "" {
		t.Fatalf("no event id seen in %v", lines)
	}
	_ = resp.Body.Close()

	// Reconnecting after the first event replays the reply and the title.
	resp2, r2 := open(firstID)
	defer func() { _ = resp2.Body.Close() }()
	replay := readUntil(r2, "event: connected")
	joined := strings.Join(replay, "\n")
	if !strings.Contains(joined, "event: message") || !strings.Contains(joined, "event: title") {
		t.Fatalf("replay missing events:\n%s", joined)
	}
	if !strings.Contains(joined, `"classification":"infrastructure"`) {
		t.Fatalf("replay missing diagnosis:\n%s", joined)
	}
}

func TestSSEMessageQueue(t *testing.T) {
	t.Parallel()

	q := NewSSEMessageQueue(2)
	other := SessionKey{UserID: "user-2", SessionID: "tab"}
	for i := int64(1); i <= 3; i++ {
		q.Enqueue(i, Event{Type: EventMessage, UserID: testKey.UserID, SessionID: testKey.SessionID})
	}
	q.Enqueue(4, Event{Type: EventMessage, UserID: other.UserID, SessionID: other.SessionID})

	missed := q.GetMissedMessages(testKey, 0)
	if len(missed) != 2 || missed[0].EventID != 2 || missed[1].EventID != 3 {
		t.Fatalf("missed = %+v, want ids 2,3", missed)
	}
	if got := q.GetMissedMessages(testKey, 2); len(got) != 1 || got[0].EventID != 3 {
		t.Fatalf("missed after 2 = %+v", got)
	}
	if got := q.GetMissedMessages(other, 0); len(got) != 1 {
		t.Fatalf("other session evicted by burst: %+v", got)
	}

	q.Prune(testKey)
	if got := q.GetMissedMessages(testKey, 0); got != nil {
		t.Fatalf("pruned queue still has %d messages", len(got))
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(2, time.Minute)
	rl.now = clock.Now

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("u1") {
		t.Fatal("third request inside window should be limited")
	}
	if !rl.Allow("u2") {
		t.Fatal("other users are not affected")
	}

	clock.Advance(61 * time.Second)
	if !rl.Allow("u1") {
		t.Fatal("request after window should pass")
	}

	clock.Advance(2 * time.Minute)
	rl.evict()
	rl.mu.Lock()
	n := len(rl.requests)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("evict left %d keys", n)
	}
}
