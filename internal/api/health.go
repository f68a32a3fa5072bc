package api

import (
	"net/http"
	"time"
)

// health reports overall status plus per-dependency details. A failing
// database turns the status to degraded but still returns 200 so load
// balancers keep routing while the catalog recovers.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"

	dbStatus := "ok"
	if err := h.DB.HealthCheck(r.Context()); err != nil {
		dbStatus = err.Error()
		status = "degraded"
	}

	queueLength, _ := h.Queue.Length(r.Context())
	details := map[string]any{
		"database": dbStatus,
		"queue": map[string]any{
			"backend": h.Queue.Backend(),
			"length":  queueLength,
		},
		"storage": map[string]string{"backend": h.Blobs.Type()},
	}
	if h.Workers != nil {
		details["workers"] = h.Workers.Stats()
	}
	if h.Live != nil {
		details["live_sessions"] = h.Live.Active()
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"details": details,
	})
}

// debugEvents dumps the engine debug ring, oldest first.
func (h *handlers) debugEvents(w http.ResponseWriter, r *http.Request) {
	if h.Debug == nil {
		WriteError(w, http.StatusServiceUnavailable, KindUnavailable, "debug events not available")
		return
	}
	events := h.Debug.Events()
	WriteJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}
