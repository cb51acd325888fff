package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// HandleHealthz reports process liveness and database reachability.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			slog.Warn("healthz db ping failed", slog.Any("err", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "unhealthy",
				"database": "unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandleReadyz reports whether the service can serve traffic: schema present
// and the media directory writable.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if h.db != nil {
		var reg sql.NullString
		err := h.db.QueryRowContext(ctx, `SELECT to_regclass('messages')::text`).Scan(&reg)
		if err != nil || !reg.Valid {
			checks["schema"] = "missing"
			ready = false
		} else {
			checks["schema"] = "ok"
		}
	}

	if h.mediaDir != "" {
		if info, err := os.Stat(h.mediaDir); err != nil || !info.IsDir() {
			checks["media"] = "unavailable"
			ready = false
		} else {
			checks["media"] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	checks["status"] = state
	writeJSON(w, status, checks)
}

type statusResponse struct {
	Messages         int64      `json:"messages"`
	Senders          int64      `json:"senders"`
	NewestMessageAt  *time.Time `json:"newest_message_at,omitempty"`
	RetentionLastRun string     `json:"retention_last_run,omitempty"`
}

// HandleStatus returns aggregate store counters for operators.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}

	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	var resp statusResponse
	err := h.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT sender), MAX(created_at)
		FROM messages
	`).Scan(&resp.Messages, &resp.Senders, &nullTime{&resp.NewestMessageAt})
	if err != nil {
		slog.Error("status query failed", slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}

	var lastRun sql.NullString
	err = h.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = 'retention_last_run'`).Scan(&lastRun)
	if err == nil && lastRun.Valid {
		resp.RetentionLastRun = lastRun.String
	}

	writeJSON(w, http.StatusOK, resp)
}

// nullTime scans a nullable timestamp into an optional field.
type nullTime struct {
	dst **time.Time
}

func (n *nullTime) Scan(src any) error {
	if src == nil {
		*n.dst = nil
		return nil
	}
	if t, ok := src.(time.Time); ok {
		tt := t
		*n.dst = &tt
	}
	return nil
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
