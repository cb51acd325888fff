package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/subtalk/talklog/backend/store"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS policy is enforced by the outer middleware; the browser's Origin
	// check adds nothing for a public read feed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// HandleMessagesWS streams the live feed over a websocket. Messages are sent
// as JSON, one per frame. An optional ?after= cursor replays missed rows
// first, same contract as the SSE endpoint.
func (h *Handlers) HandleMessagesWS(w http.ResponseWriter, r *http.Request) {
	after, err := decodeCursor(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid after cursor")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws upgrade failed", slog.Any("err", err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("ws close", slog.Any("err", err))
		}
	}()

	ctx := r.Context()
	sub := h.store.Subscribe(h.subBuffer)
	defer func() { sub.Close() }()

	// Reader goroutine: we never expect client frames, but reading drives
	// close/ping-pong handling and tells us when the peer went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sent := make(map[int64]struct{})
	var last store.Cursor
	hasLast := false
	send := func(m store.Message) bool {
		if _, dup := sent[m.ID]; dup {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(m); err != nil {
			return false
		}
		cur := store.CursorOf(m)
		if !hasLast || last.CreatedAt.Before(cur.CreatedAt) ||
			(last.CreatedAt.Equal(cur.CreatedAt) && last.ID < cur.ID) {
			last = cur
			hasLast = true
		}
		return true
	}
	heal := func() bool {
		var from store.Cursor
		if hasLast {
			from = last
		}
		missed, err := h.store.QueryNewer(ctx, from, 0)
		if err != nil {
			slog.Warn("ws heal query failed", slog.Any("err", err))
			return false
		}
		// Rebuild the dedup set from this heal alone; only rows it covers can
		// be redelivered by the current subscription, and keeping every live
		// row would grow without bound.
		sent = make(map[int64]struct{}, len(missed))
		for _, m := range missed {
			if !send(m) {
				return false
			}
			sent[m.ID] = struct{}{}
		}
		return true
	}

	if after != nil {
		last = *after
		hasLast = true
		if !heal() {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case m, open := <-sub.C:
			if !open {
				if ctx.Err() != nil {
					return
				}
				sub = h.store.Subscribe(h.subBuffer)
				if !heal() {
					return
				}
				continue
			}
			if !send(m) {
				return
			}
		}
	}
}
