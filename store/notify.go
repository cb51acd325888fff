package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/subtalk/talklog/backend/telemetry"
)

// Subscription delivers newly inserted messages. A consumer that falls more
// than its buffer behind is dropped: C is closed and Dropped reports true,
// signalling that the consumer must gap-heal before resubscribing.
type Subscription struct {
	C <-chan Message

	h       *hub
	ch      chan Message
	mu      sync.Mutex
	closed  bool
	dropped bool
}

// Close releases the subscription. Safe to call multiple times and from any
// goroutine, including concurrently with delivery.
func (s *Subscription) Close() {
	s.h.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Dropped reports whether the subscription was terminated by the store
// because the consumer lagged behind (possible message loss).
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) deliver(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- m:
		return true
	default:
		// Consumer is too far behind; cut it loose rather than block the hub.
		s.dropped = true
		s.closed = true
		close(s.ch)
		return false
	}
}

// hub fans inserted rows out to subscribers. It tracks a high-water mark so
// the poll watcher does not redeliver rows already published locally.
type hub struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	lastSeen Cursor
}

func newHub() *hub {
	return &hub{subs: make(map[*Subscription]struct{})}
}

func (h *hub) subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{h: h, ch: make(chan Message, buffer)}
	sub.C = sub.ch
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	telemetry.SetSubscriberCount(n)
	return sub
}

func (h *hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()
	telemetry.SetSubscriberCount(n)
}

func (h *hub) publish(m Message) {
	h.mu.Lock()
	cur := CursorOf(m)
	if h.lastSeen.CreatedAt.Before(cur.CreatedAt) ||
		(h.lastSeen.CreatedAt.Equal(cur.CreatedAt) && h.lastSeen.ID < cur.ID) {
		h.lastSeen = cur
	}
	targets := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if sub.deliver(m) {
			delivered++
		} else {
			h.remove(sub)
			slog.Warn("subscriber dropped (buffer overflow)", slog.Int64("message_id", m.ID))
		}
	}
	telemetry.AddCounter(telemetry.LiveDeliveries, float64(delivered))
}

func (h *hub) mark() Cursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen
}

// StartWatcher polls for rows inserted by other processes and publishes them
// to local subscribers. A non-positive interval selects the 2s default. The
// watcher starts at the newest row present at startup so historical rows are
// not replayed.
func (s *PostgresStore) StartWatcher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	// Seed the high-water mark from the newest stored row.
	if newest, err := s.Query(ctx, QueryOptions{Order: Descending, Limit: 1}); err != nil {
		slog.Warn("store watcher: initial mark query failed", slog.Any("err", err))
	} else if len(newest) == 1 {
		s.hub.mu.Lock()
		s.hub.lastSeen = CursorOf(newest[0])
		s.hub.mu.Unlock()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("store watcher started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		mark := s.hub.mark()
		rows, err := s.QueryNewer(ctx, mark, 0)
		if err != nil {
			if Transient(err) {
				slog.Debug("store watcher: poll failed, will retry", slog.Any("err", err))
				continue
			}
			slog.Warn("store watcher: poll failed", slog.Any("err", err))
			continue
		}
		for _, m := range rows {
			s.hub.publish(m)
		}
	}
}
