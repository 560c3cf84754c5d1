package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	checks []dependency
}

type dependency struct {
	name   string
	reason string
	pinger Pinger
}

// NewHealthHandler creates a health handler. events may be nil when event
// publishing is disabled.
func NewHealthHandler(store, events Pinger) *HealthHandler {
	h := &HealthHandler{
		checks: []dependency{{name: "session_store", reason: "session store unavailable", pinger: store}},
	}
	if events != nil {
		h.checks = append(h.checks, dependency{name: "nats", reason: "NATS not connected", pinger: events})
	}
	return h
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready handles GET /ready. Dependencies are checked in order and the first
// failure is reported.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checked := make(map[string]string, len(h.checks))
	for _, dep := range h.checks {
		if err := dep.pinger.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not ready",
				"reason": dep.reason,
				"failed": dep.name,
			})
			return
		}
		checked[dep.name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": checked,
	})
}
