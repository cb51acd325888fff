package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/subtalk/talklog/backend/store"
	"github.com/subtalk/talklog/backend/telemetry"
)

// State is the synchronizer lifecycle: Idle until InitialLoad, then Live
// until Close.
type State int

const (
	Idle State = iota
	InitialLoad
	Live
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InitialLoad:
		return "initial-load"
	case Live:
		return "live"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyStarted is returned when InitialLoad is called twice.
	ErrAlreadyStarted = errors.New("synchronizer already started")
	// ErrClosed is returned for operations on a torn-down synchronizer.
	ErrClosed = errors.New("synchronizer closed")
)

// Synchronizer owns a Window and keeps it consistent with the store: it
// installs the initial page, serves backward pagination, applies live
// inserts, and heals gaps after a dropped subscription. At most one backfill
// is in flight at a time; live inserts may interleave with it, and the merge
// is order-independent and idempotent.
type Synchronizer struct {
	st       store.Store
	pageSize int

	// OnAppend, when set before InitialLoad, is invoked for every live
	// message that extends the tail of the window. It runs on the feed
	// goroutine; keep it cheap.
	OnAppend func(store.Message)

	mu          sync.Mutex
	state       State
	win         Window
	backfilling bool
	sub         *store.Subscription

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSynchronizer builds a synchronizer over st. pageSize bounds both the
// initial load and each older page.
func NewSynchronizer(st store.Store, pageSize int) *Synchronizer {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Synchronizer{st: st, pageSize: pageSize, done: make(chan struct{})}
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the current window. Safe to call concurrently
// with live delivery; the returned value is never mutated afterwards.
func (s *Synchronizer) Snapshot() Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.win
	cp.Messages = append([]store.Message(nil), s.win.Messages...)
	return cp
}

// InitialLoad fetches the newest page, installs it as the window, and starts
// the live feed. It may be called once; the context governs only the initial
// query, while the feed runs until Close.
func (s *Synchronizer) InitialLoad(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		if st == Closed {
			return ErrClosed
		}
		return ErrAlreadyStarted
	}
	s.state = InitialLoad
	s.mu.Unlock()

	page, err := s.st.Query(ctx, store.QueryOptions{Order: store.Descending, Limit: s.pageSize})
	if err != nil {
		s.mu.Lock()
		s.state = Idle // window stays empty; the caller may retry
		s.mu.Unlock()
		return fmt.Errorf("initial load: %w", err)
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.win = installInitial(page, s.pageSize)
	s.state = Live
	s.sub = s.st.Subscribe(0)
	sub := s.sub
	telemetry.SetWindowSize(len(s.win.Messages))
	s.mu.Unlock()

	feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.runFeed(feedCtx, sub)
	return nil
}

// LoadOlder fetches the page strictly older than the cursor and prepends it.
// It returns immediately with (0, nil) when a backfill is already in flight
// or no older history remains. The returned count is how many messages were
// prepended; the caller subtracts the resulting content-height delta from
// its scroll offset so the anchor message stays visually fixed.
func (s *Synchronizer) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.backfilling || !s.win.HasMoreOlder || len(s.win.Messages) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	s.backfilling = true
	cursor := s.win.Cursor
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.backfilling = false
		s.mu.Unlock()
	}()

	page, err := s.st.Query(ctx, store.QueryOptions{
		Order:  store.Descending,
		Limit:  s.pageSize,
		Before: &cursor,
	})
	if err != nil {
		return 0, fmt.Errorf("load older: %w", err)
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	var added int
	s.win, added = prependOlder(s.win, page, s.pageSize)
	telemetry.SetWindowSize(len(s.win.Messages))
	s.mu.Unlock()

	telemetry.IncCounter(telemetry.BackfillPages)
	return added, nil
}

// Close tears down the synchronizer: the subscription is released exactly
// once and no feed callback touches state afterwards. Idempotent.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	sub := s.sub
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
}

// Done is closed when the feed goroutine has exited. Useful in tests and for
// orderly shutdown; callers of Close need not wait on it.
func (s *Synchronizer) Done() <-chan struct{} { return s.done }

// runFeed consumes the live subscription, healing the gap and resubscribing
// whenever the feed drops. Reconnection backs off between attempts.
func (s *Synchronizer) runFeed(ctx context.Context, sub *store.Subscription) {
	defer close(s.done)
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		for m := range sub.C {
			s.applyLive(m)
		}
		// Feed ended: either we closed it, or the store dropped us.
		if ctx.Err() != nil || s.State() == Closed {
			return
		}
		if sub.Dropped() {
			slog.Warn("live feed dropped; healing gap")
		}

		healed := false
		for !healed {
			if err := s.healGap(ctx); err != nil {
				if !store.Transient(err) {
					slog.Error("gap heal failed permanently; stopping feed", slog.Any("err", err))
					return
				}
				slog.Warn("gap heal failed, retrying", slog.Any("err", err), slog.Duration("backoff", backoff))
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			healed = true
			backoff = time.Second
		}

		s.mu.Lock()
		if s.state == Closed {
			s.mu.Unlock()
			return
		}
		s.sub = s.st.Subscribe(0)
		sub = s.sub
		s.mu.Unlock()

		// Rows delivered between heal and resubscribe are caught by the next
		// heal cycle if this subscription drops; duplicates are deduped.
		if err := s.healGapOnce(ctx); err != nil {
			slog.Debug("post-resubscribe heal failed", slog.Any("err", err))
		}
	}
}

func (s *Synchronizer) applyLive(m store.Message) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	var appended bool
	s.win, appended, _ = insertLive(s.win, m)
	telemetry.SetWindowSize(len(s.win.Messages))
	cb := s.OnAppend
	s.mu.Unlock()

	if appended && cb != nil {
		cb(m)
	}
}

// healGap re-queries all messages newer than the newest held one and merges
// them in, restoring the no-loss guarantee after a feed interruption.
func (s *Synchronizer) healGap(ctx context.Context) error {
	if err := s.healGapOnce(ctx); err != nil {
		return err
	}
	telemetry.IncCounter(telemetry.GapHeals)
	return nil
}

func (s *Synchronizer) healGapOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	newest, ok := s.win.Newest()
	s.mu.Unlock()

	var after store.Cursor
	if ok {
		after = store.CursorOf(newest)
	}
	rows, err := s.st.QueryNewer(ctx, after, 0)
	if err != nil {
		return fmt.Errorf("gap heal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	for _, m := range rows {
		var appended bool
		var cb func(store.Message)
		s.win, appended, _ = insertLive(s.win, m)
		cb = s.OnAppend
		if appended && cb != nil {
			// Unlock-free callback would be nicer, but heal volumes are small
			// and OnAppend must stay cheap anyway.
			s.mu.Unlock()
			cb(m)
			s.mu.Lock()
			if s.state == Closed {
				return ErrClosed
			}
		}
	}
	telemetry.SetWindowSize(len(s.win.Messages))
	return nil
}
