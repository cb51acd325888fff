package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/subtalk/talklog/backend/store"
)

func seedMessages(st *store.MemoryStore, n int, start time.Time) {
	for i := 0; i < n; i++ {
		st.SeedAt(store.Fields{
			Sender:  "seed",
			Content: fmt.Sprintf("message %d", i),
		}, start.Add(time.Duration(i)*time.Second))
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSynchronizerInitialLoad(t *testing.T) {
	st := store.NewMemory()
	seedMessages(st, 120, windowBase)

	s := NewSynchronizer(st, 50)
	defer s.Close()
	if err := s.InitialLoad(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	win := s.Snapshot()
	if len(win.Messages) != 50 {
		t.Fatalf("window has %d messages, want 50", len(win.Messages))
	}
	if !win.HasMoreOlder {
		t.Error("120 rows with page size 50 should leave older history")
	}
	newest, _ := win.Newest()
	if newest.Content != "message 119" {
		t.Errorf("newest = %q, want the latest seeded row", newest.Content)
	}
	if s.State() != Live {
		t.Errorf("state = %v, want live", s.State())
	}

	if err := s.InitialLoad(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second InitialLoad = %v, want ErrAlreadyStarted", err)
	}
}

func TestSynchronizerLoadOlder(t *testing.T) {
	st := store.NewMemory()
	seedMessages(st, 120, windowBase)

	s := NewSynchronizer(st, 50)
	defer s.Close()
	if err := s.InitialLoad(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	added, err := s.LoadOlder(context.Background())
	if err != nil {
		t.Fatalf("load older: %v", err)
	}
	if added != 50 {
		t.Errorf("added = %d, want 50", added)
	}

	added, err = s.LoadOlder(context.Background())
	if err != nil || added != 20 {
		t.Fatalf("second page: added=%d err=%v, want 20/nil", added, err)
	}
	win := s.Snapshot()
	if win.HasMoreOlder {
		t.Error("all history loaded, HasMoreOlder should be false")
	}

	// Exhausted history: immediate no-op.
	added, err = s.LoadOlder(context.Background())
	if err != nil || added != 0 {
		t.Errorf("exhausted LoadOlder: added=%d err=%v, want 0/nil", added, err)
	}
}

func TestSynchronizerLiveAppend(t *testing.T) {
	st := store.NewMemory()
	seedMessages(st, 3, windowBase)

	s := NewSynchronizer(st, 50)
	defer s.Close()

	var mu sync.Mutex
	var appended []string
	s.OnAppend = func(m store.Message) {
		mu.Lock()
		appended = append(appended, m.Content)
		mu.Unlock()
	}
	if err := s.InitialLoad(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	st.InsertAt(store.Fields{Sender: "live", Content: "hello"}, windowBase.Add(time.Hour))

	waitFor(t, time.Second, func() bool {
		return s.Snapshot().Contains(4)
	})
	mu.Lock()
	defer mu.Unlock()
	if len(appended) != 1 || appended[0] != "hello" {
		t.Errorf("OnAppend calls = %v, want [hello]", appended)
	}
}

func TestSynchronizerBackfillLiveInterleave(t *testing.T) {
	st := store.NewMemory()
	seedMessages(st, 100, windowBase)

	s := NewSynchronizer(st, 50)
	defer s.Close()
	if err := s.InitialLoad(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	// A live insert lands while the older page is being fetched. Order of
	// application must not matter and nothing may duplicate.
	live := st.InsertAt(store.Fields{Sender: "live", Content: "raced"}, windowBase.Add(2*time.Hour))
	if _, err := s.LoadOlder(context.Background()); err != nil {
		t.Fatalf("load older: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return s.Snapshot().Contains(live.ID)
	})
	win := s.Snapshot()
	if len(win.Messages) != 101 {
		t.Fatalf("window has %d messages, want 101", len(win.Messages))
	}
	seen := map[int64]bool{}
	for i, m := range win.Messages {
		if seen[m.ID] {
			t.Fatalf("duplicate id %d", m.ID)
		}
		seen[m.ID] = true
		if i > 0 && !win.Messages[i-1].Before(m) {
			t.Fatalf("ordering violated at position %d", i)
		}
	}
	newest, _ := win.Newest()
	if newest.ID != live.ID {
		t.Errorf("newest = %d, want the live insert %d", newest.ID, live.ID)
	}
}

func TestSynchronizerHealsGapAfterDrop(t *testing.T) {
	st := store.NewMemory()
	seedMessages(st, 5, windowBase)

	s := NewSynchronizer(st, 50)
	defer s.Close()
	if err := s.InitialLoad(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	// The store cuts the subscription loose; rows written while detached must
	// appear after the heal.
	st.DropSubscribers()
	missed := st.SeedAt(store.Fields{Sender: "ghost", Content: "written while detached"}, windowBase.Add(time.Hour))

	waitFor(t, 2*time.Second, func() bool {
		return s.Snapshot().Contains(missed.ID)
	})

	// The feed must also be live again after resubscribing.
	again := st.InsertAt(store.Fields{Sender: "live", Content: "after heal"}, windowBase.Add(2*time.Hour))
	waitFor(t, 2*time.Second, func() bool {
		return s.Snapshot().Contains(again.ID)
	})
}

func TestSynchronizerHealRetriesTransientFailure(t *testing.T) {
	st := store.NewMemory()
	seedMessages(st, 5, windowBase)

	s := NewSynchronizer(st, 50)
	defer s.Close()
	if err := s.InitialLoad(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	st.SetFailing(true)
	st.DropSubscribers()
	missed := st.SeedAt(store.Fields{Sender: "ghost", Content: "during outage"}, windowBase.Add(time.Hour))

	// Give the first heal attempt time to fail, then recover the store.
	time.Sleep(50 * time.Millisecond)
	st.SetFailing(false)

	waitFor(t, 5*time.Second, func() bool {
		return s.Snapshot().Contains(missed.ID)
	})
}

func TestSynchronizerClose(t *testing.T) {
	st := store.NewMemory()
	seedMessages(st, 5, windowBase)

	s := NewSynchronizer(st, 50)
	if err := s.InitialLoad(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	s.Close()
	s.Close() // idempotent

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("feed goroutine did not exit")
	}
	if _, err := s.LoadOlder(context.Background()); err != ErrClosed {
		t.Errorf("LoadOlder after close = %v, want ErrClosed", err)
	}
}
