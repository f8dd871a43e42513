package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrNoClip is returned by QueryRandom when no row matches.
var ErrNoClip = errors.New("no clip found")

// Clip is a stored clip record. CreatedAt is upstream-assigned text in TimestampLayout.
type Clip struct {
	ID              string `db:"id" json:"id"`
	URL             string `db:"url" json:"url"`
	Title           string `db:"title" json:"title"`
	GameName        string `db:"game_name" json:"game_name"`
	BroadcasterName string `db:"broadcaster_name" json:"broadcaster_name"`
	CreatedAt       string `db:"created_at" json:"created_at"`
	ViewCount       int    `db:"view_count" json:"view_count"`
}

const clipColumns = "id, url, title, game_name, broadcaster_name, created_at, view_count"

// ClipStore persists clips keyed by id.
type ClipStore struct {
	db *sqlx.DB
}

// NewClipStore returns a store over an open database.
func NewClipStore(database *sqlx.DB) *ClipStore {
	return &ClipStore{db: database}
}

// UpsertIgnore inserts c unless a clip with the same id exists. It reports whether a
// new row was written.
func (s *ClipStore) UpsertIgnore(ctx context.Context, c Clip) (bool, error) {
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO clips (`+clipColumns+`)
		VALUES (:id, :url, :title, :game_name, :broadcaster_name, :created_at, :view_count)
		ON CONFLICT (id) DO NOTHING`, c)
	if err != nil {
		return false, fmt.Errorf("insert clip %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert clip %s: %w", c.ID, err)
	}
	return n == 1, nil
}

// UpsertReplace inserts c or overwrites the existing row. created_at keeps its first value.
// It reports whether the row did not exist before.
func (s *ClipStore) UpsertReplace(ctx context.Context, c Clip) (bool, error) {
	q, args, err := sqlx.Named(`INSERT INTO clips (`+clipColumns+`)
		VALUES (:id, :url, :title, :game_name, :broadcaster_name, :created_at, :view_count)
		ON CONFLICT (id) DO UPDATE SET
			url=EXCLUDED.url,
			title=EXCLUDED.title,
			game_name=EXCLUDED.game_name,
			broadcaster_name=EXCLUDED.broadcaster_name,
			view_count=EXCLUDED.view_count
		RETURNING (xmax = 0)`, c)
	if err != nil {
		return false, fmt.Errorf("replace clip %s: %w", c.ID, err)
	}
	var inserted bool
	if err := s.db.GetContext(ctx, &inserted, s.db.Rebind(q), args...); err != nil {
		return false, fmt.Errorf("replace clip %s: %w", c.ID, err)
	}
	return inserted, nil
}

// Exists reports whether a clip with id is stored.
func (s *ClipStore) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	if err := s.db.GetContext(ctx, &ok, `SELECT EXISTS(SELECT 1 FROM clips WHERE id=$1)`, id); err != nil {
		return false, fmt.Errorf("clip exists %s: %w", id, err)
	}
	return ok, nil
}

// Count returns the number of stored clips.
func (s *ClipStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM clips`); err != nil {
		return 0, fmt.Errorf("count clips: %w", err)
	}
	return n, nil
}

// QueryRandom returns one uniformly random clip matching f, or ErrNoClip.
func (s *ClipStore) QueryRandom(ctx context.Context, f ClipFilter) (*Clip, error) {
	q, args, err := buildRandomQuery(f)
	if err != nil {
		return nil, err
	}
	var c Clip
	err = s.db.GetContext(ctx, &c, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoClip
	}
	if err != nil {
		return nil, fmt.Errorf("query random clip: %w", err)
	}
	return &c, nil
}

// Ping checks database connectivity.
func (s *ClipStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
