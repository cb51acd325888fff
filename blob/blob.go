// Package blob stores binary attachments and returns retrievable URLs. The
// disk implementation writes under the data dir; the files are served back
// by the HTTP layer at /media/.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrUploadFailed indicates attachment storage failed. The ingestion path
// treats this as fatal for the whole request: no message row is created.
var ErrUploadFailed = errors.New("attachment upload failed")

// Store persists one attachment and returns the URL it will be served from.
type Store interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

// DiskStore writes attachments under dir and maps them to baseURL/media/.
type DiskStore struct {
	dir     string
	baseURL string
}

// NewDiskStore creates the media directory if needed. baseURL is the public
// prefix (e.g. http://localhost:8080); empty yields relative URLs.
func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	mediaDir := filepath.Join(dir, "media")
	if err := os.MkdirAll(mediaDir, 0o750); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &DiskStore{dir: mediaDir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the directory served at /media/.
func (s *DiskStore) Dir() string { return s.dir }

// Upload streams the attachment to disk under a uuid-prefixed name. A failed
// write removes the partial file before returning.
func (s *DiskStore) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	if !acquireUploadSlot(ctx) {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, ctx.Err())
	}
	defer releaseUploadSlot()

	fname := uuid.New().String() + "-" + sanitizeName(name)
	path := filepath.Join(s.dir, fname)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("%w: create: %v", ErrUploadFailed, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: write: %v", ErrUploadFailed, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: close: %v", ErrUploadFailed, err)
	}
	return s.baseURL + "/media/" + fname, nil
}

// sanitizeName strips path separators and control characters from a client
// supplied filename. The uuid prefix guarantees uniqueness either way.
func sanitizeName(name string) string {
	name = filepath.Base(name)
	if name == "." || name == ".." {
		return "attachment"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "attachment"
	}
	return b.String()
}
