// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"

	"github.com/subtalk/talklog/backend/blob"
	"github.com/subtalk/talklog/backend/store"
)

// Deps bundles the injected collaborators the handlers need. Nothing here is
// a process-wide singleton; tests substitute doubles freely.
type Deps struct {
	DB    *sql.DB
	Store store.Store
	Blobs blob.Store
	// MediaDir, when non-empty, is served at /media/.
	MediaDir string
	// PageSize bounds message list pages.
	PageSize int
	// SubscriberBuffer sizes the per-connection live feed channel; zero
	// selects the store default.
	SubscriberBuffer int
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db        *sql.DB
	store     store.Store
	blobs     blob.Store
	mediaDir  string
	pageSize  int
	subBuffer int
	ctx       context.Context
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	pageSize := deps.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Handlers{
		db:        deps.DB,
		store:     deps.Store,
		blobs:     deps.Blobs,
		mediaDir:  deps.MediaDir,
		pageSize:  pageSize,
		subBuffer: deps.SubscriberBuffer,
		ctx:       ctx,
	}
}
