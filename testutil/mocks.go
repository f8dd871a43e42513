package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/onnwee/clip-tender/twitchapi"
)

// MockTwitchServer serves canned Helix and OAuth responses keyed by URL path.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu         sync.Mutex
	tokenCalls atomic.Int32
}

// NewMockTwitchServer starts a mock Twitch API server with a token endpoint that issues
// token-1, token-2, ... on each exchange.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		n := m.tokenCalls.Add(1)
		writeJSON(w, map[string]interface{}{
			"access_token": "token-" + strconv.Itoa(int(n)),
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// TokenCalls returns how many token exchanges the server answered.
func (m *MockTwitchServer) TokenCalls() int { return int(m.tokenCalls.Load()) }

// Client returns a HelixClient pointed at the mock server.
func (m *MockTwitchServer) Client() *twitchapi.HelixClient {
	return &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret", TokenURL: m.URL + "/oauth2/token"},
		ClientID:       "test-client-id",
		BaseURL:        m.URL + "/helix",
	}
}

// MockUserResponse adds a handler for the /helix/users endpoint.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"data": []map[string]string{{"id": userID, "login": login}},
		})
	})
}

// ClipPage is one canned /helix/clips page.
type ClipPage struct {
	Clips  []twitchapi.Clip
	Cursor string
}

// MockClipPages serves /helix/clips list requests keyed by the `after` cursor and
// single-clip lookups by `id` from the same set.
func (m *MockTwitchServer) MockClipPages(pages map[string]ClipPage) {
	m.Handle("/helix/clips", func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("id"); id != "" {
			for _, p := range pages {
				for _, c := range p.Clips {
					if c.ID == id {
						writeJSON(w, map[string]interface{}{"data": []twitchapi.Clip{c}})
						return
					}
				}
			}
			writeJSON(w, map[string]interface{}{"data": []twitchapi.Clip{}})
			return
		}
		p := pages[r.URL.Query().Get("after")]
		clips := p.Clips
		if clips == nil {
			clips = []twitchapi.Clip{}
		}
		writeJSON(w, map[string]interface{}{
			"data":       clips,
			"pagination": map[string]string{"cursor": p.Cursor},
		})
	})
}

// MockStreamsResponse adds a handler for the /helix/streams endpoint.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		if streams == nil {
			streams = []map[string]interface{}{}
		}
		writeJSON(w, map[string]interface{}{"data": streams})
	})
}

// MockGamesResponse adds a handler for the /helix/games endpoint.
func (m *MockTwitchServer) MockGamesResponse(names map[string]string) {
	m.Handle("/helix/games", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		for _, id := range r.URL.Query()["id"] {
			if name, ok := names[id]; ok {
				data = append(data, map[string]string{"id": id, "name": name})
			}
		}
		writeJSON(w, map[string]interface{}{"data": data})
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
