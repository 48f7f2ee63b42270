package api

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/jenkins-detective/internal/domain"
	"github.com/ashureev/jenkins-detective/internal/identity"
)

// DefaultPrompts are offered to every user ahead of their own saved prompts.
var DefaultPrompts = []string{
	"Why did the Jenkins Core build #5823 fail?",
	"Is the acceptance test harness failure a flaky test?",
	"Tell me about recent infrastructure issues in Plugin BOM",
	"What's the most common failure in the Pipeline plugin?",
}

// maxPromptLength bounds a saved prompt in runes.
const maxPromptLength = 500

type savePromptRequest struct {
	Prompt string `json:"prompt"`
}

func (h *Handler) prompts(r *http.Request, userID string) ([]string, error) {
	saved, err := h.repo.ListSavedPrompts(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(DefaultPrompts)
	for _, p := range saved {
		out = append(out, p.Text)
	}
	return out, nil
}

// ListPrompts handles GET /api/prompts.
func (h *Handler) ListPrompts(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.prompts(r, userID)
	if err != nil {
		slog.Error("Failed to list saved prompts", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list prompts")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"prompts": list})
}

// SavePrompt handles POST /api/prompts. Saving a prompt that is already in
// the user's list is not an error; it reports "already_saved".
func (h *Handler) SavePrompt(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req savePromptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Prompt)
	if text == "" {
		Error(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if len([]rune(text)) > maxPromptLength {
		Error(w, http.StatusBadRequest, "prompt is too long")
		return
	}

	if slices.Contains(DefaultPrompts, text) {
		JSON(w, http.StatusOK, map[string]string{"status": "already_saved", "prompt": text})
		return
	}

	added, err := h.repo.AddSavedPrompt(r.Context(), domain.SavedPrompt{
		UserID:    userID,
		Text:      text,
		CreatedAt: time.Now(),
	})
	if err != nil {
		slog.Error("Failed to save prompt", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save prompt")
		return
	}
	if !added {
		JSON(w, http.StatusOK, map[string]string{"status": "already_saved", "prompt": text})
		return
	}
	slog.Info("Prompt saved", "user_id", userID, "length", len(text))
	JSON(w, http.StatusCreated, map[string]string{"status": "saved", "prompt": text})
}
