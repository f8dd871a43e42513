package server

import (
	"fmt"
	"net/http"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
// An empty store is reported but does not fail readiness, so the EventSub callback
// stays reachable while the first backfill runs.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.store.Ping(r.Context()) }},
		{"schema", func() error {
			if h.migrationVersion == nil {
				return nil
			}
			v, dirty, err := h.migrationVersion()
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("schema dirty at version %d", v)
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
				"backfilling":  h.syncer.Backfilling(),
			})
			return
		}
	}

	body := map[string]any{"status": "ready", "backfilling": h.syncer.Backfilling()}
	n, err := h.store.Count(r.Context())
	if err != nil {
		body["clips_error"] = err.Error()
	} else {
		body["clips"] = n
		body["store_seeded"] = n > 0
	}
	writeJSON(w, http.StatusOK, body)
}
