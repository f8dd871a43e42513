package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/onnwee/clip-tender/telemetry"
)

// HandleAdminBackfill starts a full backfill in the background. It answers 409 while
// one is already running.
func (h *Handlers) HandleAdminBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.syncer.Backfilling() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "running"})
		return
	}

	corr := telemetry.GetCorrelation(r.Context())
	if corr == "" {
		corr = uuid.NewString()
	}
	ctx := telemetry.WithCorrelation(context.WithoutCancel(h.ctx), corr)
	go func() {
		n, err := h.syncer.UpdateClips(ctx)
		log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "admin"))
		if err != nil {
			log.Warn("admin backfill failed", slog.Any("error", err))
			return
		}
		log.Info("admin backfill finished", slog.Int("inserted", n))
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "correlation_id": corr})
}
