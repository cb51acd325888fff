package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and the logtail tool's
// offline mode. It applies the same (created_at, id) ordering and fan-out
// semantics as the Postgres store.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []Message

	hub *hub

	// FailQueries makes read methods return ErrUnavailable while set. Tests
	// use it to exercise retry and gap-heal paths.
	FailQueries bool
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{nextID: 1, hub: newHub()}
}

func (s *MemoryStore) snapshot() []Message {
	out := make([]Message, len(s.rows))
	copy(out, s.rows)
	return out
}

// SetFailing toggles simulated read unavailability.
func (s *MemoryStore) SetFailing(fail bool) {
	s.mu.Lock()
	s.FailQueries = fail
	s.mu.Unlock()
}

func (s *MemoryStore) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FailQueries
}

// Query filters and orders rows using the same semantics as the SQL store.
func (s *MemoryStore) Query(ctx context.Context, opts QueryOptions) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failing() {
		return nil, ErrUnavailable
	}
	s.mu.Lock()
	rows := s.snapshot()
	s.mu.Unlock()

	var out []Message
	for _, m := range rows {
		if opts.Sender != "" && m.Sender != opts.Sender {
			continue
		}
		if !opts.CreatedAfter.IsZero() && m.CreatedAt.Before(opts.CreatedAfter) {
			continue
		}
		if opts.Before != nil {
			c := *opts.Before
			if !(m.CreatedAt.Before(c.CreatedAt) ||
				(m.CreatedAt.Equal(c.CreatedAt) && m.ID < c.ID)) {
				continue
			}
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if opts.Order == Descending {
			return out[j].Before(out[i])
		}
		return out[i].Before(out[j])
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// QueryNewer returns rows strictly after the cursor in ascending order.
func (s *MemoryStore) QueryNewer(ctx context.Context, after Cursor, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failing() {
		return nil, ErrUnavailable
	}
	s.mu.Lock()
	rows := s.snapshot()
	s.mu.Unlock()

	var out []Message
	for _, m := range rows {
		if m.CreatedAt.After(after.CreatedAt) ||
			(m.CreatedAt.Equal(after.CreatedAt) && m.ID > after.ID) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Insert stores the row and publishes it to subscribers.
func (s *MemoryStore) Insert(ctx context.Context, f Fields) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	m := Message{
		ID:        s.nextID,
		Sender:    f.Sender,
		Room:      f.Room,
		Content:   f.Content,
		ImageURL:  f.ImageURL,
		CreatedAt: time.Now().UTC(),
	}
	s.nextID++
	s.rows = append(s.rows, m)
	s.mu.Unlock()
	s.hub.publish(m)
	return m, nil
}

// InsertAt is a test helper: it stores a row with an explicit timestamp and
// publishes it like a live insert.
func (s *MemoryStore) InsertAt(f Fields, at time.Time) Message {
	s.mu.Lock()
	m := Message{
		ID:        s.nextID,
		Sender:    f.Sender,
		Room:      f.Room,
		Content:   f.Content,
		ImageURL:  f.ImageURL,
		CreatedAt: at.UTC(),
	}
	s.nextID++
	s.rows = append(s.rows, m)
	s.mu.Unlock()
	s.hub.publish(m)
	return m
}

// SeedAt stores a row without publishing, simulating data written by another
// process before any subscriber attached (or during a dropped subscription).
func (s *MemoryStore) SeedAt(f Fields, at time.Time) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Message{
		ID:        s.nextID,
		Sender:    f.Sender,
		Room:      f.Room,
		Content:   f.Content,
		ImageURL:  f.ImageURL,
		CreatedAt: at.UTC(),
	}
	s.nextID++
	s.rows = append(s.rows, m)
	return m
}

// DropSubscribers closes every active subscription as lagged, forcing
// consumers down the gap-heal path.
func (s *MemoryStore) DropSubscribers() {
	s.hub.mu.Lock()
	targets := make([]*Subscription, 0, len(s.hub.subs))
	for sub := range s.hub.subs {
		targets = append(targets, sub)
	}
	s.hub.mu.Unlock()
	for _, sub := range targets {
		sub.mu.Lock()
		if !sub.closed {
			sub.dropped = true
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
		s.hub.remove(sub)
	}
}

// Subscribe attaches a live feed with the given buffer (default 64).
func (s *MemoryStore) Subscribe(buffer int) *Subscription {
	return s.hub.subscribe(buffer)
}
