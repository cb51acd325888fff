package store

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable indicates a query, insert, or subscription failed due to
// connectivity or a backend error. Callers surface it; one-shot queries are
// not retried automatically, subscriptions reconnect with backoff.
var ErrUnavailable = errors.New("store unavailable")

// ErrClosed is returned when an operation races with teardown.
var ErrClosed = errors.New("store closed")

// Transient reports whether an error is worth retrying on the subscription
// reconnect path. Permanent errors (bad SQL, constraint violations, context
// cancellation) are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"temporary failure in name resolution",
		"no route to host",
		"network unreachable",
		"eof",
		"too many connections",
		"the database system is starting up",
		"the database system is shutting down",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return errors.Is(err, ErrUnavailable)
}
