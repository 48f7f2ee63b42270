package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/jenkins-detective/internal/catalog"
)

type analyzeRequest struct {
	Repository string `json:"repository"`
	Build      string `json:"build"`
}

// ListBuilds handles GET /api/builds.
func (h *Handler) ListBuilds(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"repositories": h.catalog.Repos()})
}

// AnalyzeBuild handles POST /api/builds/analyze and returns the question to
// send to the assistant for the selected build.
func (h *Handler) AnalyzeBuild(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	prompt, err := h.catalog.AnalyzePrompt(req.Repository, req.Build)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"prompt": prompt})
	case errors.Is(err, catalog.ErrIncompleteSelection):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, catalog.ErrUnknownRepository), errors.Is(err, catalog.ErrUnknownBuild):
		Error(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("Failed to build analysis prompt", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// GetDashboard handles GET /api/dashboard.
func (h *Handler) GetDashboard(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.catalog.Dashboard())
}

// analyticsResponse adds live feedback totals to the sample analytics.
type analyticsResponse struct {
	catalog.Analytics
	Feedback feedbackTotals `json:"feedback"`
}

type feedbackTotals struct {
	Positive int64 `json:"positive"`
	Negative int64 `json:"negative"`
}

// GetAnalytics handles GET /api/analytics.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	resp := analyticsResponse{Analytics: h.catalog.Analytics()}
	pos, neg, err := h.repo.FeedbackCounts(r.Context())
	if err != nil {
		slog.Warn("Failed to count feedback", "error", err)
	} else {
		resp.Feedback = feedbackTotals{Positive: pos, Negative: neg}
	}
	JSON(w, http.StatusOK, resp)
}
