// Package api provides HTTP handlers for the detective API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ashureev/jenkins-detective/internal/catalog"
	"github.com/ashureev/jenkins-detective/internal/store"
)

// maxJSONBody caps small JSON request bodies.
const maxJSONBody = 64 << 10

// AppInfo is what the frontend needs to know about the assistant.
type AppInfo struct {
	AssistantName string
	ReplyDelay    time.Duration
	RuleCount     int
}

// Handler provides common handler utilities.
type Handler struct {
	repo    store.Repository
	catalog *catalog.Catalog
	info    AppInfo
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, cat *catalog.Catalog, info AppInfo) *Handler {
	if cat == nil {
		cat = catalog.Default()
	}
	return &Handler{
		repo:    repo,
		catalog: cat,
		info:    info,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v, writing the error response
// itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
