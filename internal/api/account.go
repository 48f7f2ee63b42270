package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/jenkins-detective/internal/identity"
)

// RegisterRoutes registers every /api route served by this package.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/prompts", h.ListPrompts)
		r.Post("/prompts", h.SavePrompt)
		r.Get("/builds", h.ListBuilds)
		r.Post("/builds/analyze", h.AnalyzeBuild)
		r.Get("/dashboard", h.GetDashboard)
		r.Get("/analytics", h.GetAnalytics)
	})
}

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    user.UserID,
		"username":   user.Username,
		"session_id": identity.SessionIDFromContext(r.Context()),
		"created_at": user.CreatedAt,
	})
}

// GetConfig returns the assistant settings the frontend needs.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"assistant_name": h.info.AssistantName,
		"reply_delay_ms": h.info.ReplyDelay.Milliseconds(),
		"rule_count":     h.info.RuleCount,
	})
}
