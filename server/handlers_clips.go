package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/clip-tender/clips"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/telemetry"
	"github.com/onnwee/clip-tender/twitchapi"
)

// HandleRandomClip returns one random clip matching the optional date, title and game
// query parameters.
func (h *Handlers) HandleRandomClip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	f := db.ClipFilter{Date: q.Get("date"), Title: q.Get("title"), Game: q.Get("game")}
	c, err := h.store.QueryRandom(r.Context(), f)
	switch {
	case errors.Is(err, db.ErrNoClip):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no clip found"})
	case errors.Is(err, db.ErrInvalidFilter):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Error("random clip query failed", slog.String("component", "http"), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		writeJSON(w, http.StatusOK, c)
	}
}

type syncResponse struct {
	Success bool            `json:"success"`
	Clip    *twitchapi.Clip `json:"clip,omitempty"`
	Created *bool           `json:"created,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HandleClipSync refreshes one clip from upstream. The id comes from ?id= or the path
// (/clips/sync/{id}).
func (h *Handlers) HandleClipSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		id = pathParam(r, "/clips/sync/")
	}
	if id == "" {
		writeJSON(w, http.StatusBadRequest, syncResponse{Error: "missing clip id"})
		return
	}

	c, created, err := h.syncer.SyncClipByID(r.Context(), id)
	switch {
	case errors.Is(err, clips.ErrClipNotFound):
		writeJSON(w, http.StatusNotFound, syncResponse{Error: "clip not found"})
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Warn("clip resync failed", slog.String("component", "http"), slog.String("clip_id", id), slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, syncResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, syncResponse{Success: true, Clip: c, Created: &created})
	}
}
