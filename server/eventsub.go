package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/clip-tender/clips"
	"github.com/onnwee/clip-tender/telemetry"
	"github.com/onnwee/clip-tender/twitchapi"
)

// EventSub webhook headers.
const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"
	headerMessageType      = "Twitch-Eventsub-Message-Type"
)

// EventSub message types.
const (
	messageTypeVerification = "webhook_callback_verification"
	messageTypeNotification = "notification"
	messageTypeRevocation   = "revocation"
)

// maxMessageAge bounds the skew between a delivery's timestamp and now, in either direction.
const maxMessageAge = 10 * time.Minute

// maxEventBody bounds the webhook body read.
const maxEventBody = 1 << 20

var errSignature = errors.New("eventsub signature invalid")

// verifySignature checks the HMAC-SHA256 of message id, timestamp and raw body against
// the signature header, and rejects messages dated more than maxMessageAge from now.
func verifySignature(secret string, h http.Header, body []byte, now time.Time) error {
	if secret == "" {
		return errSignature
	}
	id := h.Get(headerMessageID)
	ts := h.Get(headerMessageTimestamp)
	sig := h.Get(headerMessageSignature)
	if id == "" || ts == "" || !strings.HasPrefix(sig, "sha256=") {
		return errSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
	if err != nil {
		return errSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	mac.Write([]byte(ts))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errSignature
	}
	sent, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return errSignature
	}
	if skew := now.Sub(sent); skew > maxMessageAge || skew < -maxMessageAge {
		return errSignature
	}
	return nil
}

type eventSubEnvelope struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event struct {
		ID              string `json:"id"`
		BroadcasterID   string `json:"broadcaster_user_id"`
		BroadcasterName string `json:"broadcaster_user_login"`
	} `json:"event"`
}

// HandleEventSub receives EventSub webhook deliveries. Nothing is acted on before the
// signature has been verified.
func (h *Handlers) HandleEventSub(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "eventsub"))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := verifySignature(h.eventSubSecret, r.Header, body, h.now()); err != nil {
		log.Warn("rejected eventsub delivery", slog.String("message_id", r.Header.Get(headerMessageID)), slog.Any("error", err))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var env eventSubEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch r.Header.Get(headerMessageType) {
	case messageTypeVerification:
		log.Info("eventsub subscription verified", slog.String("subscription_id", env.Subscription.ID), slog.String("type", env.Subscription.Type))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, env.Challenge)
	case messageTypeNotification:
		if env.Subscription.Type != twitchapi.ClipCreatedEventType || env.Event.ID == "" {
			log.Info("ignoring eventsub notification", slog.String("type", env.Subscription.Type))
			w.WriteHeader(http.StatusOK)
			return
		}
		clip, err := h.syncer.HandleClipCreated(r.Context(), env.Event.ID)
		switch {
		case errors.Is(err, clips.ErrClipNotFound):
			log.Warn("announced clip not found upstream", slog.String("clip_id", env.Event.ID))
			http.Error(w, "clip not found", http.StatusNotFound)
		case err != nil:
			log.Error("clip push intake failed", slog.String("clip_id", env.Event.ID), slog.Any("error", err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		default:
			log.Info("clip recorded from push", slog.String("clip_id", clip.ID))
			w.WriteHeader(http.StatusOK)
		}
	case messageTypeRevocation:
		log.Warn("eventsub subscription revoked", slog.String("subscription_id", env.Subscription.ID), slog.String("status", env.Subscription.Status))
		w.WriteHeader(http.StatusOK)
	default:
		log.Info("unknown eventsub message type", slog.String("type", r.Header.Get(headerMessageType)))
		w.WriteHeader(http.StatusOK)
	}
}
