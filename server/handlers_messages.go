package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/subtalk/talklog/backend/stats"
	"github.com/subtalk/talklog/backend/store"
	"github.com/subtalk/talklog/backend/telemetry"
)

// HandleMessagesList returns a page of messages, newest first, with an
// opaque cursor for the next older page.
func (h *Handlers) HandleMessagesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", h.pageSize)
	if limit <= 0 || limit > 500 {
		limit = h.pageSize
	}
	before, err := decodeCursor(r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid before cursor")
		return
	}

	var msgs []store.Message
	var qerr error
	telemetry.TimeFunc(telemetry.QueryDuration, func() {
		msgs, qerr = h.store.Query(r.Context(), store.QueryOptions{
			Order:  store.Descending,
			Limit:  limit,
			Before: before,
		})
	})
	if qerr != nil {
		slog.Error("messages query failed", slog.Any("err", qerr))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	resp := struct {
		Messages   []store.Message `json:"messages"`
		NextCursor string          `json:"next_cursor,omitempty"`
	}{Messages: msgs}
	// A full page means older history may remain; a short page is the end.
	if len(msgs) == limit && limit > 0 {
		oldest := msgs[len(msgs)-1]
		resp.NextCursor = encodeCursor(store.CursorOf(oldest))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSenderMessages returns one sender's messages within a time range,
// newest first. Path: /senders/{name}/messages.
func (h *Handlers) HandleSenderMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sender, rest, ok := splitSenderPath(r.URL.Path)
	if !ok || rest != "messages" {
		http.NotFound(w, r)
		return
	}
	rng, err := stats.ParseRange(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.store.Query(r.Context(), store.QueryOptions{
		Sender:       sender,
		CreatedAfter: time.Now().UTC().Add(-rng.Lookback()),
		Order:        store.Descending,
	})
	if err != nil {
		slog.Error("sender messages query failed", slog.String("sender", sender), slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Sender   string          `json:"sender"`
		Range    stats.Range     `json:"range"`
		Count    int             `json:"count"`
		Messages []store.Message `json:"messages"`
	}{Sender: sender, Range: rng, Count: len(msgs), Messages: msgs})
}

// sseSession tracks the client's delivery position. sent holds only the rows
// covered by the most recent heal, since those are the only ones the current
// subscription can redeliver.
type sseSession struct {
	w       http.ResponseWriter
	flusher http.Flusher
	last    store.Cursor
	hasLast bool
	sent    map[int64]struct{}
}

func (s *sseSession) send(m store.Message) bool {
	if _, dup := s.sent[m.ID]; dup {
		return true
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return false
	}
	if _, err := s.w.Write([]byte("id: " + encodeCursor(store.CursorOf(m)) + "\n")); err != nil {
		return false
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := s.w.Write(payload); err != nil {
		return false
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return false
	}
	cur := store.CursorOf(m)
	if !s.hasLast || s.last.CreatedAt.Before(cur.CreatedAt) ||
		(s.last.CreatedAt.Equal(cur.CreatedAt) && s.last.ID < cur.ID) {
		s.last = cur
		s.hasLast = true
	}
	return true
}

// HandleMessagesSSE streams the live feed over Server-Sent Events. Each
// event's id is an opaque cursor; a reconnecting client sends it back as
// Last-Event-ID (or ?after=) and missed rows are replayed before going live,
// so a dropped connection loses nothing.
func (h *Handlers) HandleMessagesSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	afterToken := r.URL.Query().Get("after")
	if afterToken == "" {
		afterToken = r.Header.Get("Last-Event-ID")
	}
	after, err := decodeCursor(afterToken)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid after cursor")
		return
	}

	ctx := r.Context()
	sub := h.store.Subscribe(h.subBuffer)
	defer func() { sub.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sess := &sseSession{w: w, flusher: flusher, sent: make(map[int64]struct{})}
	if after != nil {
		sess.last = *after
		sess.hasLast = true
		if !h.sseHeal(ctx, sess) {
			return
		}
	}

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case m, open := <-sub.C:
			if !open {
				// Store dropped us: heal from the last delivered position and
				// resubscribe, mirroring the client-side synchronizer.
				if ctx.Err() != nil {
					return
				}
				sub = h.store.Subscribe(h.subBuffer)
				if !h.sseHeal(ctx, sess) {
					return
				}
				continue
			}
			if !sess.send(m) {
				return
			}
			flusher.Flush()
		}
	}
}

// sseHeal replays rows newer than the session's last delivered position.
// Returns false when the client connection is unusable.
func (h *Handlers) sseHeal(ctx context.Context, sess *sseSession) bool {
	var from store.Cursor
	if sess.hasLast {
		from = sess.last
	}
	missed, err := h.store.QueryNewer(ctx, from, 0)
	if err != nil {
		slog.Warn("sse heal query failed", slog.Any("err", err))
		return false
	}
	telemetry.IncCounter(telemetry.GapHeals)
	// The new subscription can only redeliver rows this heal covers, so the
	// dedup set is rebuilt from it alone; older entries would grow without
	// bound on a long-lived stream.
	sess.sent = make(map[int64]struct{}, len(missed))
	for _, m := range missed {
		if !sess.send(m) {
			return false
		}
		sess.sent[m.ID] = struct{}{}
	}
	sess.flusher.Flush()
	return true
}

func splitSenderPath(path string) (sender, rest string, ok bool) {
	const prefix = "/senders/"
	if len(path) <= len(prefix) {
		return "", "", false
	}
	tail := path[len(prefix):]
	for i := 0; i < len(tail); i++ {
		if tail[i] == '/' {
			return tail[:i], tail[i+1:], tail[:i] != ""
		}
	}
	return "", "", false
}
