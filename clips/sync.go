// Package clips keeps the clip store in step with a broadcaster's upstream clips.
package clips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/telemetry"
	"github.com/onnwee/clip-tender/twitchapi"
)

const tracerName = "clip-tender/clips"

// Sync modes used as metric labels.
const (
	ModeBackfill    = "backfill"
	ModeIncremental = "incremental"
	ModePush        = "push"
	ModeResync      = "resync"
)

var (
	// ErrBroadcasterNotFound is returned when the configured login does not resolve.
	ErrBroadcasterNotFound = errors.New("broadcaster not found")
	// ErrClipNotFound is returned when upstream has no clip with the requested id.
	ErrClipNotFound = errors.New("clip not found")
	// ErrBackfillRunning is returned when a full backfill is already in progress.
	ErrBackfillRunning = errors.New("backfill already running")
)

// Source is the upstream clip API.
type Source interface {
	GetUserID(ctx context.Context, login string) (string, error)
	ListClips(ctx context.Context, p twitchapi.ListClipsParams) ([]twitchapi.Clip, string, error)
	GetClip(ctx context.Context, id string) (*twitchapi.Clip, error)
	GetGameNames(ctx context.Context, ids []string) (map[string]string, error)
	IsLive(ctx context.Context, userID string) (bool, error)
	SubscribeClipCreated(ctx context.Context, broadcasterID, callbackURL, secret string) error
}

// Store persists clip records.
type Store interface {
	UpsertIgnore(ctx context.Context, c db.Clip) (bool, error)
	UpsertReplace(ctx context.Context, c db.Clip) (bool, error)
	Count(ctx context.Context) (int, error)
}

// Notifier announces newly recorded clips. Delivery failures are handled internally.
type Notifier interface {
	Notify(ctx context.Context, c twitchapi.Clip)
}

// Syncer runs every sync mode for one broadcaster. Construct it once and share it.
type Syncer struct {
	src      Source
	store    Store
	notifier Notifier
	login    string

	// PageSize is the `first` value for list requests.
	PageSize int
	// PageDelay paces sequential page requests during a backfill. Zero disables pacing.
	PageDelay time.Duration
	// RecentWindow bounds the incremental check by clip creation time.
	RecentWindow time.Duration
	// NotifyTimeout bounds one delivery started by a push event.
	NotifyTimeout time.Duration

	backfilling atomic.Bool
	deliveries  sync.WaitGroup

	mu            sync.Mutex
	broadcasterID string
	games         map[string]string

	now func() time.Time
}

// NewSyncer wires a Syncer for login. notifier may be nil.
func NewSyncer(src Source, store Store, notifier Notifier, login string) *Syncer {
	return &Syncer{
		src:           src,
		store:         store,
		notifier:      notifier,
		login:         login,
		PageSize:      twitchapi.MaxPageSize,
		RecentWindow:  24 * time.Hour,
		NotifyTimeout: 10 * time.Second,
		games:         map[string]string{},
		now:           time.Now,
	}
}

// Backfilling reports whether a full backfill is in progress.
func (s *Syncer) Backfilling() bool { return s.backfilling.Load() }

// BroadcasterID resolves the configured login once and caches the id.
func (s *Syncer) BroadcasterID(ctx context.Context) (string, error) {
	s.mu.Lock()
	id := s.broadcasterID
	s.mu.Unlock()
	if id != "" {
		return id, nil
	}
	id, err := s.src.GetUserID(ctx, s.login)
	if err != nil {
		return "", fmt.Errorf("resolve broadcaster %s: %w", s.login, err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrBroadcasterNotFound, s.login)
	}
	s.mu.Lock()
	s.broadcasterID = id
	s.mu.Unlock()
	return id, nil
}

// UpdateClips walks every upstream page and inserts clips not yet stored. It never notifies.
// A second call while one is running returns ErrBackfillRunning.
func (s *Syncer) UpdateClips(ctx context.Context) (inserted int, err error) {
	if !s.backfilling.CompareAndSwap(false, true) {
		return 0, ErrBackfillRunning
	}
	telemetry.SetBackfillRunning(true)
	defer func() {
		s.backfilling.Store(false)
		telemetry.SetBackfillRunning(false)
	}()

	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "clips.UpdateClips")
	defer func() {
		telemetry.RecordSync(ModeBackfill, started, inserted, err)
		telemetry.EndSpan(span, err)
	}()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "clip_sync"), slog.String("mode", ModeBackfill))

	id, err := s.BroadcasterID(ctx)
	if err != nil {
		return 0, err
	}
	pages := 0
	err = s.walk(ctx, twitchapi.ListClipsParams{BroadcasterID: id}, s.PageDelay, func(c twitchapi.Clip) error {
		created, err := s.store.UpsertIgnore(ctx, toRecord(c))
		if err != nil {
			return err
		}
		if created {
			inserted++
		}
		return nil
	}, &pages)
	if err != nil {
		log.Warn("backfill aborted", slog.Int("pages", pages), slog.Int("inserted", inserted), slog.Any("error", err))
		return inserted, err
	}
	log.Info("backfill complete", slog.Int("pages", pages), slog.Int("inserted", inserted), slog.Duration("took", time.Since(started)))
	return inserted, nil
}

// CheckRecentClips stores clips created within RecentWindow and notifies for each one
// written for the first time. It is skipped while a backfill runs or before the store
// has been seeded.
func (s *Syncer) CheckRecentClips(ctx context.Context) (inserted int, err error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "clip_sync"), slog.String("mode", ModeIncremental))
	if s.backfilling.Load() {
		log.Info("backfill in progress; skipping incremental check")
		telemetry.RecordSkip(ModeIncremental)
		return 0, nil
	}
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		log.Info("store empty; skipping incremental check until backfill seeds it")
		telemetry.RecordSkip(ModeIncremental)
		return 0, nil
	}

	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "clips.CheckRecentClips")
	defer func() {
		telemetry.RecordSync(ModeIncremental, started, inserted, err)
		telemetry.EndSpan(span, err)
	}()

	id, err := s.BroadcasterID(ctx)
	if err != nil {
		return 0, err
	}
	p := twitchapi.ListClipsParams{BroadcasterID: id, StartedAt: s.now().Add(-s.RecentWindow)}
	err = s.walk(ctx, p, 0, func(c twitchapi.Clip) error {
		created, err := s.store.UpsertIgnore(ctx, toRecord(c))
		if err != nil {
			return err
		}
		if created {
			inserted++
			s.notify(ctx, c)
		}
		return nil
	}, nil)
	if err != nil {
		return inserted, err
	}
	if inserted > 0 {
		log.Info("new clips recorded", slog.Int("inserted", inserted))
	} else {
		log.Debug("no new clips")
	}
	return inserted, nil
}

// SyncClipByID fetches one clip and overwrites its stored row. It reports whether the
// clip was not stored before. The store is untouched when upstream has no such clip.
func (s *Syncer) SyncClipByID(ctx context.Context, id string) (clip *twitchapi.Clip, created bool, err error) {
	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "clips.SyncClipByID")
	defer func() {
		n := 0
		if created {
			n = 1
		}
		telemetry.RecordSync(ModeResync, started, n, err)
		telemetry.EndSpan(span, err)
	}()

	clip, err = s.fetchClip(ctx, id)
	if err != nil {
		return nil, false, err
	}
	created, err = s.store.UpsertReplace(ctx, toRecord(*clip))
	if err != nil {
		return nil, false, err
	}
	return clip, created, nil
}

// HandleClipCreated records a clip announced by a push event and notifies when this is
// the first time it is stored. An already stored clip is refreshed without notifying.
// Delivery runs in the background and does not depend on ctx staying alive.
func (s *Syncer) HandleClipCreated(ctx context.Context, id string) (clip *twitchapi.Clip, err error) {
	started := time.Now()
	inserted := 0
	ctx, span := telemetry.StartSpan(ctx, tracerName, "clips.HandleClipCreated")
	defer func() {
		telemetry.RecordSync(ModePush, started, inserted, err)
		telemetry.EndSpan(span, err)
	}()

	clip, err = s.fetchClip(ctx, id)
	if err != nil {
		return nil, err
	}
	rec := toRecord(*clip)
	created, err := s.store.UpsertIgnore(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		if _, err := s.store.UpsertReplace(ctx, rec); err != nil {
			return nil, err
		}
		return clip, nil
	}
	inserted = 1
	s.notifyDetached(ctx, *clip)
	return clip, nil
}

// EnsureSubscription registers the clip-created push subscription. It does nothing
// unless both callbackURL and secret are set.
func (s *Syncer) EnsureSubscription(ctx context.Context, callbackURL, secret string) error {
	if callbackURL == "" || secret == "" {
		slog.Debug("eventsub not configured; relying on polling", slog.String("component", "clip_sync"))
		return nil
	}
	id, err := s.BroadcasterID(ctx)
	if err != nil {
		return err
	}
	if err := s.src.SubscribeClipCreated(ctx, id, callbackURL, secret); err != nil {
		return fmt.Errorf("subscribe clip events: %w", err)
	}
	slog.Info("eventsub subscription ensured", slog.String("component", "clip_sync"), slog.String("callback", callbackURL))
	return nil
}

// IsLive reports whether the broadcaster is streaming.
func (s *Syncer) IsLive(ctx context.Context) (bool, error) {
	id, err := s.BroadcasterID(ctx)
	if err != nil {
		return false, err
	}
	return s.src.IsLive(ctx, id)
}

// walk requests pages strictly in sequence, handing each clip to fn. pages, when non-nil,
// receives the number of pages fetched.
func (s *Syncer) walk(ctx context.Context, p twitchapi.ListClipsParams, delay time.Duration, fn func(twitchapi.Clip) error, pages *int) error {
	p.First = s.PageSize
	for {
		page, cursor, err := s.src.ListClips(ctx, p)
		if err != nil {
			return fmt.Errorf("list clips after %q: %w", p.After, err)
		}
		if pages != nil {
			*pages++
		}
		s.resolveGames(ctx, page)
		for _, c := range page {
			if err := fn(c); err != nil {
				return err
			}
		}
		if cursor == "" {
			return nil
		}
		p.After = cursor
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// fetchClip looks up one clip. Clips of other broadcasters count as not found.
func (s *Syncer) fetchClip(ctx context.Context, id string) (*twitchapi.Clip, error) {
	owner, err := s.BroadcasterID(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.src.GetClip(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get clip %s: %w", id, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	if c.BroadcasterID != owner {
		slog.Warn("clip belongs to another broadcaster", slog.String("component", "clip_sync"),
			slog.String("clip_id", id), slog.String("broadcaster_id", c.BroadcasterID))
		return nil, fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	page := []twitchapi.Clip{*c}
	s.resolveGames(ctx, page)
	return &page[0], nil
}

// resolveGames fills GameName from the cache, looking up unknown ids in one request.
// Lookup failures leave names empty.
func (s *Syncer) resolveGames(ctx context.Context, page []twitchapi.Clip) {
	var missing []string
	seen := map[string]bool{}
	s.mu.Lock()
	for _, c := range page {
		if c.GameID == "" || seen[c.GameID] {
			continue
		}
		if _, ok := s.games[c.GameID]; !ok {
			missing = append(missing, c.GameID)
			seen[c.GameID] = true
		}
	}
	s.mu.Unlock()

	if len(missing) > 0 {
		names, err := s.src.GetGameNames(ctx, missing)
		if err != nil {
			slog.Warn("game lookup failed", slog.String("component", "clip_sync"), slog.Any("error", err))
		} else {
			s.mu.Lock()
			for _, id := range missing {
				s.games[id] = names[id]
			}
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range page {
		if page[i].GameName == "" {
			page[i].GameName = s.games[page[i].GameID]
		}
	}
}

func (s *Syncer) notify(ctx context.Context, c twitchapi.Clip) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, c)
	}
}

// notifyDetached delivers c on a context detached from the caller's cancellation.
func (s *Syncer) notifyDetached(ctx context.Context, c twitchapi.Clip) {
	if s.notifier == nil {
		return
	}
	timeout := s.NotifyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		defer cancel()
		s.notifier.Notify(ctx, c)
	}()
}

// WaitNotifications blocks until background deliveries have finished or ctx is done.
func (s *Syncer) WaitNotifications(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toRecord maps an upstream clip to a store row with created_at in db.TimestampLayout.
func toRecord(c twitchapi.Clip) db.Clip {
	created := c.CreatedAt
	if t, err := time.Parse(time.RFC3339, c.CreatedAt); err == nil {
		created = t.UTC().Format(db.TimestampLayout)
	}
	return db.Clip{
		ID:              c.ID,
		URL:             c.URL,
		Title:           c.Title,
		GameName:        c.GameName,
		BroadcasterName: c.BroadcasterName,
		CreatedAt:       created,
		ViewCount:       c.ViewCount,
	}
}
