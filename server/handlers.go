// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"time"

	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/twitchapi"
)

// ClipStore is the read side of the clip store used by the API.
type ClipStore interface {
	QueryRandom(ctx context.Context, f db.ClipFilter) (*db.Clip, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// Syncer is the subset of sync operations triggered over HTTP.
type Syncer interface {
	SyncClipByID(ctx context.Context, id string) (*twitchapi.Clip, bool, error)
	HandleClipCreated(ctx context.Context, id string) (*twitchapi.Clip, error)
	UpdateClips(ctx context.Context) (int, error)
	Backfilling() bool
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Store  ClipStore
	Syncer Syncer
	// MigrationVersion reports the applied schema version for readiness. Optional.
	MigrationVersion func() (uint, bool, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx              context.Context
	store            ClipStore
	syncer           Syncer
	migrationVersion func() (uint, bool, error)
	eventSubSecret   string
	now              func() time.Time
}

// NewHandlers creates handlers bound to ctx, which outlives single requests and is used
// for work started in the background.
func NewHandlers(ctx context.Context, deps Deps, eventSubSecret string) *Handlers {
	return &Handlers{
		ctx:              ctx,
		store:            deps.Store,
		syncer:           deps.Syncer,
		migrationVersion: deps.MigrationVersion,
		eventSubSecret:   eventSubSecret,
		now:              time.Now,
	}
}
