// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for user id resolution, clip listing, stream status and EventSub subscriptions,
// using an app access token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/clip-tender/telemetry"
)

const (
	// DefaultBaseURL is the Helix API root.
	DefaultBaseURL = "https://api.twitch.tv/helix"
	// MaxPageSize is the largest `first` value Helix accepts.
	MaxPageSize = 100
)

// HelixClient provides the Helix calls needed for clip synchronization.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string
	HTTPClient     *http.Client
}

// Clip is a Helix clip payload.
type Clip struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	EmbedURL        string  `json:"embed_url"`
	BroadcasterID   string  `json:"broadcaster_id"`
	BroadcasterName string  `json:"broadcaster_name"`
	CreatorID       string  `json:"creator_id"`
	CreatorName     string  `json:"creator_name"`
	VideoID         string  `json:"video_id"`
	GameID          string  `json:"game_id"`
	Language        string  `json:"language"`
	Title           string  `json:"title"`
	ViewCount       int     `json:"view_count"`
	CreatedAt       string  `json:"created_at"`
	ThumbnailURL    string  `json:"thumbnail_url"`
	Duration        float64 `json:"duration"`

	// GameName is resolved separately from GameID; Helix clips only carry the id.
	GameName string `json:"game_name,omitempty"`
}

// Stream is a live stream session.
type Stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	GameName  string    `json:"game_name"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

// ListClipsParams selects a page of a broadcaster's clips.
type ListClipsParams struct {
	BroadcasterID string
	First         int
	After         string
	// StartedAt limits results to clips created at or after this instant when non-zero.
	StartedAt time.Time
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

// do sends an authenticated Helix request and decodes a JSON response into out.
// A 401 invalidates the app token and the identical request is retried once.
func (hc *HelixClient) do(ctx context.Context, method, endpoint string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", endpoint, err)
		}
		payload = b
	}
	u := hc.baseURL() + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := hc.http().Do(req)
		if err != nil {
			telemetry.RecordUpstreamRequest(endpoint, "error")
			return err
		}
		telemetry.RecordUpstreamRequest(endpoint, strconv.Itoa(resp.StatusCode))

		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			hc.AppTokenSource.Invalidate(tok)
			if attempt == 0 {
				slog.Info("twitch token rejected; refreshing and retrying", slog.String("endpoint", endpoint), slog.String("component", "helix"))
				continue
			}
			return fmt.Errorf("%s: %w: %w", endpoint, ErrAuth, ErrUnauthorized)
		}
		return decodeResponse(resp, endpoint, out)
	}
}

func decodeResponse(resp *http.Response, endpoint string, out any) error {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUserID resolves a login name to its user ID. An unknown login yields "" and no error.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("login", login)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", q, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", nil
	}
	return body.Data[0].ID, nil
}

// ListClips returns one page of clips and the cursor for the next page ("" on the last page).
func (hc *HelixClient) ListClips(ctx context.Context, p ListClipsParams) ([]Clip, string, error) {
	if p.BroadcasterID == "" {
		return nil, "", fmt.Errorf("broadcasterID empty")
	}
	first := p.First
	if first <= 0 {
		first = 20
	}
	if first > MaxPageSize {
		first = MaxPageSize
	}
	q := url.Values{}
	q.Set("broadcaster_id", p.BroadcasterID)
	q.Set("first", strconv.Itoa(first))
	if p.After != "" {
		q.Set("after", p.After)
	}
	if !p.StartedAt.IsZero() {
		q.Set("started_at", p.StartedAt.UTC().Format(time.RFC3339))
	}
	var body struct {
		Data       []Clip `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.do(ctx, http.MethodGet, "/clips", q, nil, &body); err != nil {
		return nil, "", err
	}
	return body.Data, body.Pagination.Cursor, nil
}

// GetClip fetches a clip by id. A missing clip yields nil and no error.
func (hc *HelixClient) GetClip(ctx context.Context, id string) (*Clip, error) {
	if id == "" {
		return nil, fmt.Errorf("clip id empty")
	}
	q := url.Values{}
	q.Set("id", id)
	var body struct {
		Data []Clip `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/clips", q, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	c := body.Data[0]
	return &c, nil
}

// GetStreams returns the active stream sessions of a user.
func (hc *HelixClient) GetStreams(ctx context.Context, userID string) ([]Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	q := url.Values{}
	q.Set("user_id", userID)
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/streams", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// IsLive reports whether the user has at least one active stream session.
func (hc *HelixClient) IsLive(ctx context.Context, userID string) (bool, error) {
	streams, err := hc.GetStreams(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(streams) > 0, nil
}

// GetGameNames resolves game ids to names. Unknown ids are absent from the result.
func (hc *HelixClient) GetGameNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	q := url.Values{}
	for _, id := range ids {
		if id != "" {
			q.Add("id", id)
		}
	}
	if len(q) == 0 {
		return out, nil
	}
	var body struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/games", q, nil, &body); err != nil {
		return nil, err
	}
	for _, g := range body.Data {
		out[g.ID] = g.Name
	}
	return out, nil
}
