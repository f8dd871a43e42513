package twitchapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/clip-tender/telemetry"
)

// DefaultTokenURL is the Twitch OAuth token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// The token has no local expiry: it is kept until an upstream 401 invalidates it.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client

	mu    sync.RWMutex
	token string
	group singleflight.Group
}

// Get returns the cached app access token, exchanging client credentials for a new one
// when none is cached.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	tok := ts.token
	ts.mu.RUnlock()
	if tok != "" {
		return tok, nil
	}
	v, err, _ := ts.group.Do("token", func() (any, error) {
		return ts.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token if it is still the one the caller used.
// A token replaced by a concurrent refresh is left alone.
func (ts *TokenSource) Invalidate(stale string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token == stale {
		ts.token = ""
	}
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()

	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", fmt.Errorf("%w: missing client id/secret", ErrAuth)
	}
	tokenURL := ts.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cc := &clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	telemetry.RecordTokenRefresh(err)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access_token in twitch response", ErrAuth)
	}

	ts.mu.Lock()
	ts.token = tok.AccessToken
	ts.mu.Unlock()
	slog.Info("twitch app token acquired", slog.String("tail", maskToken(tok.AccessToken)), slog.String("component", "twitch_token"))
	return tok.AccessToken, nil
}

func maskToken(tok string) string {
	if len(tok) <= 6 {
		return "***"
	}
	return "***" + tok[len(tok)-6:]
}
