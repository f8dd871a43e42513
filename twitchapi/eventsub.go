package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// ClipCreatedEventType is the EventSub subscription type for new clips.
const ClipCreatedEventType = "channel.clip.create"

type eventSubRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport eventSubTransport `json:"transport"`
}

type eventSubTransport struct {
	Method   string `json:"method"`
	Callback string `json:"callback"`
	Secret   string `json:"secret"`
}

// SubscribeClipCreated registers a webhook subscription for the broadcaster's clip-created
// events. An existing subscription (409 Conflict) counts as success.
func (hc *HelixClient) SubscribeClipCreated(ctx context.Context, broadcasterID, callbackURL, secret string) error {
	if broadcasterID == "" || callbackURL == "" || secret == "" {
		return fmt.Errorf("missing broadcasterID/callbackURL/secret")
	}
	req := eventSubRequest{
		Type:      ClipCreatedEventType,
		Version:   "1",
		Condition: map[string]string{"broadcaster_user_id": broadcasterID},
		Transport: eventSubTransport{Method: "webhook", Callback: callbackURL, Secret: secret},
	}
	err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, req, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		slog.Info("eventsub subscription already exists", slog.String("type", ClipCreatedEventType), slog.String("broadcaster_id", broadcasterID))
		return nil
	}
	return err
}
