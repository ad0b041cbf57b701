package httpapi

import (
	"context"
	"net/http"
)

// Pinger is the subset of store.DB the health endpoint needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler returns a handler bound to db.
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

// Live handles GET /health (and /healthz) — always 200 once the process is
// serving.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"status": "ok"})
}

// Ready handles GET /readyz — 200 only if the database is reachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, envelope{"status": "not ready"})
		return
	}
	Ok(w, envelope{"status": "ready"})
}
