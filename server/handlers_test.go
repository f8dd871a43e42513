package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/clip-tender/clips"
	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/twitchapi"
)

type fakeStore struct {
	clip    *db.Clip
	err     error
	count   int
	pingErr error
	filters []db.ClipFilter
}

func (s *fakeStore) QueryRandom(_ context.Context, f db.ClipFilter) (*db.Clip, error) {
	s.filters = append(s.filters, f)
	return s.clip, s.err
}

func (s *fakeStore) Count(context.Context) (int, error) { return s.count, nil }
func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

type fakeSyncer struct {
	mu          sync.Mutex
	syncIDs     []string
	pushIDs     []string
	syncErr     error
	created     bool
	pushErr     error
	backfilling bool
	backfills   chan struct{}
}

func (s *fakeSyncer) SyncClipByID(_ context.Context, id string) (*twitchapi.Clip, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncIDs = append(s.syncIDs, id)
	if s.syncErr != nil {
		return nil, false, s.syncErr
	}
	return &twitchapi.Clip{ID: id, Title: "resynced"}, s.created, nil
}

func (s *fakeSyncer) HandleClipCreated(_ context.Context, id string) (*twitchapi.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushIDs = append(s.pushIDs, id)
	if s.pushErr != nil {
		return nil, s.pushErr
	}
	return &twitchapi.Clip{ID: id}, nil
}

func (s *fakeSyncer) UpdateClips(context.Context) (int, error) {
	if s.backfills != nil {
		s.backfills <- struct{}{}
	}
	return 0, nil
}

func (s *fakeSyncer) Backfilling() bool { return s.backfilling }

func (s *fakeSyncer) calls() (synced, pushed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.syncIDs), len(s.pushIDs)
}

func newTestHandlers(store *fakeStore, syncer *fakeSyncer) *Handlers {
	return NewHandlers(context.Background(), Deps{Store: store, Syncer: syncer}, testSecret)
}

func TestHandleRandomClip(t *testing.T) {
	tests := []struct {
		name       string
		store      *fakeStore
		query      string
		wantStatus int
		wantBody   string
	}{
		{"found", &fakeStore{clip: &db.Clip{ID: "abc", Title: "Nice"}}, "", http.StatusOK, `"id":"abc"`},
		{"no match", &fakeStore{err: db.ErrNoClip}, "?date=2020", http.StatusNotFound, `{"error":"no clip found"}`},
		{"invalid filter", &fakeStore{err: errors.Join(db.ErrInvalidFilter, errors.New("date"))}, "?date=zz", http.StatusBadRequest, `"error"`},
		{"store failure", &fakeStore{err: errors.New("boom")}, "", http.StatusInternalServerError, `"internal error"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(tt.store, &fakeSyncer{})
			rr := httptest.NewRecorder()
			h.HandleRandomClip(rr, httptest.NewRequest(http.MethodGet, "/clip"+tt.query, nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleRandomClipPassesFilters(t *testing.T) {
	store := &fakeStore{clip: &db.Clip{ID: "abc"}}
	h := newTestHandlers(store, &fakeSyncer{})
	rr := httptest.NewRecorder()
	h.HandleRandomClip(rr, httptest.NewRequest(http.MethodGet, "/clip?date=2024-03&title=clutch&game=Tetris", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	want := db.ClipFilter{Date: "2024-03", Title: "clutch", Game: "Tetris"}
	if len(store.filters) != 1 || store.filters[0] != want {
		t.Errorf("filters = %+v, want %+v", store.filters, want)
	}

	rr = httptest.NewRecorder()
	h.HandleRandomClip(rr, httptest.NewRequest(http.MethodPost, "/clip", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rr.Code)
	}
}

func TestHandleClipSync(t *testing.T) {
	tests := []struct {
		name       string
		syncer     *fakeSyncer
		method     string
		target     string
		wantStatus int
		wantID     string
	}{
		{"query id", &fakeSyncer{created: true}, http.MethodGet, "/clips/sync?id=Clip1", http.StatusOK, "Clip1"},
		{"path id", &fakeSyncer{}, http.MethodPost, "/clips/sync/Clip2", http.StatusOK, "Clip2"},
		{"missing id", &fakeSyncer{}, http.MethodGet, "/clips/sync", http.StatusBadRequest, ""},
		{"not found", &fakeSyncer{syncErr: clips.ErrClipNotFound}, http.MethodGet, "/clips/sync?id=gone", http.StatusNotFound, "gone"},
		{"upstream failure", &fakeSyncer{syncErr: errors.New("helix 503")}, http.MethodGet, "/clips/sync?id=x", http.StatusBadGateway, "x"},
		{"bad method", &fakeSyncer{}, http.MethodDelete, "/clips/sync?id=x", http.StatusMethodNotAllowed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(&fakeStore{}, tt.syncer)
			rr := httptest.NewRecorder()
			h.HandleClipSync(rr, httptest.NewRequest(tt.method, tt.target, nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantID == "" {
				if n, _ := tt.syncer.calls(); n != 0 {
					t.Errorf("sync called %d times, want 0", n)
				}
				return
			}
			if len(tt.syncer.syncIDs) != 1 || tt.syncer.syncIDs[0] != tt.wantID {
				t.Errorf("synced ids = %v, want [%s]", tt.syncer.syncIDs, tt.wantID)
			}
		})
	}
}

func TestHandleClipSyncResponseShape(t *testing.T) {
	h := newTestHandlers(&fakeStore{}, &fakeSyncer{created: false})
	rr := httptest.NewRecorder()
	h.HandleClipSync(rr, httptest.NewRequest(http.MethodGet, "/clips/sync?id=abc", nil))

	var resp struct {
		Success bool            `json:"success"`
		Clip    *twitchapi.Clip `json:"clip"`
		Created *bool           `json:"created"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Clip == nil || resp.Clip.ID != "abc" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Created == nil || *resp.Created {
		t.Errorf("created = %v, want explicit false", resp.Created)
	}

	rr = httptest.NewRecorder()
	newTestHandlers(&fakeStore{}, &fakeSyncer{syncErr: clips.ErrClipNotFound}).
		HandleClipSync(rr, httptest.NewRequest(http.MethodGet, "/clips/sync?id=abc", nil))
	if got := strings.TrimSpace(rr.Body.String()); got != `{"success":false,"error":"clip not found"}` {
		t.Errorf("not found body = %s", got)
	}
}

func TestHandleAdminBackfill(t *testing.T) {
	t.Run("already running", func(t *testing.T) {
		syncer := &fakeSyncer{backfilling: true, backfills: make(chan struct{}, 1)}
		h := newTestHandlers(&fakeStore{}, syncer)
		rr := httptest.NewRecorder()
		h.HandleAdminBackfill(rr, httptest.NewRequest(http.MethodPost, "/admin/clips/backfill", nil))
		if rr.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rr.Code)
		}
		select {
		case <-syncer.backfills:
			t.Error("backfill started while one was running")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("starts in background", func(t *testing.T) {
		syncer := &fakeSyncer{backfills: make(chan struct{}, 1)}
		h := newTestHandlers(&fakeStore{}, syncer)
		rr := httptest.NewRecorder()
		h.HandleAdminBackfill(rr, httptest.NewRequest(http.MethodPost, "/admin/clips/backfill", nil))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"correlation_id"`) {
			t.Errorf("body = %s, want correlation id", rr.Body.String())
		}
		select {
		case <-syncer.backfills:
		case <-time.After(2 * time.Second):
			t.Fatal("backfill was not started")
		}
	})

	t.Run("get rejected", func(t *testing.T) {
		h := newTestHandlers(&fakeStore{}, &fakeSyncer{})
		rr := httptest.NewRecorder()
		h.HandleAdminBackfill(rr, httptest.NewRequest(http.MethodGet, "/admin/clips/backfill", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rr.Code)
		}
	})
}

func TestHandleHealthz(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestHandlers(&fakeStore{}, &fakeSyncer{}).HandleHealthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("healthy: status %d body %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	newTestHandlers(&fakeStore{pingErr: errors.New("down")}, &fakeSyncer{}).HandleHealthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status %d, want 503", rr.Code)
	}
}

func TestHandleReadyz(t *testing.T) {
	tests := []struct {
		name       string
		store      *fakeStore
		version    func() (uint, bool, error)
		wantStatus int
		wantCheck  string
	}{
		{"ready", &fakeStore{count: 3}, func() (uint, bool, error) { return 1, false, nil }, http.StatusOK, ""},
		{"ready without migration reporter", &fakeStore{count: 1}, nil, http.StatusOK, ""},
		{"database down", &fakeStore{pingErr: errors.New("down")}, nil, http.StatusServiceUnavailable, "database"},
		{"dirty schema", &fakeStore{count: 3}, func() (uint, bool, error) { return 1, true, nil }, http.StatusServiceUnavailable, "schema"},
		{"empty store stays ready", &fakeStore{}, nil, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(context.Background(), Deps{Store: tt.store, Syncer: &fakeSyncer{}, MigrationVersion: tt.version}, "")
			rr := httptest.NewRecorder()
			h.HandleReadyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.wantCheck != "" && body["failed_check"] != tt.wantCheck {
				t.Errorf("failed_check = %v, want %s", body["failed_check"], tt.wantCheck)
			}
			if tt.wantCheck == "" {
				if body["status"] != "ready" {
					t.Errorf("status field = %v", body["status"])
				}
				if seeded := tt.store.count > 0; body["store_seeded"] != seeded {
					t.Errorf("store_seeded = %v, want %v", body["store_seeded"], seeded)
				}
			}
		})
	}
}

func TestNewMuxRoutes(t *testing.T) {
	cfg := &config.Config{EventSubSecret: testSecret, AdminToken: "admin-token", RateLimitEnabled: true, RateLimitRequestsPerIP: 2, RateLimitWindow: time.Minute, CORSPermissive: true}
	syncer := &fakeSyncer{backfills: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(NewMux(ctx, cfg, Deps{Store: &fakeStore{clip: &db.Clip{ID: "abc"}, count: 1}, Syncer: syncer}))
	defer srv.Close()

	do := func(method, path string, hdr map[string]string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, nil)
		if err != nil {
			t.Fatal(err)
		}
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := do(http.MethodGet, "/clip", nil); resp.StatusCode != http.StatusOK || resp.Header.Get("X-Correlation-ID") == "" {
		t.Errorf("/clip status %d, correlation %q", resp.StatusCode, resp.Header.Get("X-Correlation-ID"))
	}
	if resp := do(http.MethodGet, "/clip", map[string]string{"X-Correlation-ID": "corr-1"}); resp.Header.Get("X-Correlation-ID") != "corr-1" {
		t.Errorf("correlation id not propagated: %q", resp.Header.Get("X-Correlation-ID"))
	}
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if resp := do(http.MethodGet, path, nil); resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}

	if resp := do(http.MethodPost, "/admin/clips/backfill", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("admin without token = %d, want 401", resp.StatusCode)
	}
	if resp := do(http.MethodPost, "/admin/clips/backfill", map[string]string{"X-Admin-Token": "admin-token"}); resp.StatusCode != http.StatusAccepted {
		t.Errorf("admin with token = %d, want 202", resp.StatusCode)
	}

	// Two requests allowed per window on the sync route.
	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		if resp := do(http.MethodGet, "/clips/sync/c"+string(rune('a'+i)), nil); resp.StatusCode != want {
			t.Errorf("sync request %d = %d, want %d", i, resp.StatusCode, want)
		}
	}

	if resp := do(http.MethodOptions, "/clip", map[string]string{"Origin": "https://example.com"}); resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight status %d, allow-origin %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}
}
