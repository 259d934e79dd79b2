package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// RetentionHandler lets operators trigger a retention run.
type RetentionHandler struct {
	trigger chan<- struct{}
	logger  *slog.Logger
}

// NewRetentionHandler creates a RetentionHandler. Sending on trigger must
// cause the retention loop to run once; a nil trigger answers 503.
func NewRetentionHandler(trigger chan<- struct{}, logger *slog.Logger) *RetentionHandler {
	return &RetentionHandler{trigger: trigger, logger: logger}
}

// Trigger enqueues one retention run. A run already queued is not doubled.
// POST /api/retention/run
func (h *RetentionHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "retention not running in this mode")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: retention run requested")
	select {
	case h.trigger <- struct{}{}:
	default:
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
