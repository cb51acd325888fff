package blob

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// uploadSemaphore limits concurrent attachment uploads globally.
// Initialized once from MAX_CONCURRENT_UPLOADS (default: 4).
var (
	uploadSemaphore     chan struct{}
	uploadSemaphoreOnce sync.Once
)

func initUploadSemaphore() {
	uploadSemaphoreOnce.Do(func() {
		maxConcurrent := 4
		if s := os.Getenv("MAX_CONCURRENT_UPLOADS"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				maxConcurrent = n
			}
		}
		uploadSemaphore = make(chan struct{}, maxConcurrent)
		slog.Info("upload concurrency limit initialized", slog.Int("max_concurrent", maxConcurrent))
	})
}

// acquireUploadSlot blocks until a slot is available or the context is
// canceled. Returns true if a slot was acquired.
func acquireUploadSlot(ctx context.Context) bool {
	initUploadSemaphore()
	if ctx.Err() != nil {
		return false
	}
	select {
	case uploadSemaphore <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func releaseUploadSlot() {
	initUploadSemaphore()
	select {
	case <-uploadSemaphore:
	default:
		slog.Warn("upload slot release called without corresponding acquire")
	}
}
