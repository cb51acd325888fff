package testutil

import (
	"net/http/httptest"
	"testing"

	"github.com/subtalk/talklog/backend/blob"
	"github.com/subtalk/talklog/backend/server"
	"github.com/subtalk/talklog/backend/store"
)

// TestAPI is an HTTP test server backed by an in-memory store, for handler
// tests that do not need Postgres.
type TestAPI struct {
	*httptest.Server
	Store *store.MemoryStore
	Blobs *blob.DiskStore
}

// NewTestAPI builds the full route mux over a MemoryStore and a temp-dir
// blob store, and serves it from an httptest server.
func NewTestAPI(t *testing.T) *TestAPI {
	t.Helper()
	st := store.NewMemory()
	blobs, err := blob.NewDiskStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("failed to init blob store: %v", err)
	}
	mux := server.NewMux(t.Context(), server.Deps{
		Store:    st,
		Blobs:    blobs,
		MediaDir: blobs.Dir(),
		PageSize: 50,
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &TestAPI{Server: srv, Store: st, Blobs: blobs}
}
