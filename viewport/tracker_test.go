package viewport

import "testing"

func TestObserveThreshold(t *testing.T) {
	tests := []struct {
		name      string
		offset    float64
		content   float64
		view      float64
		wantState State
	}{
		{"pinned_to_bottom", 1400, 2000, 600, AtBottom},
		{"within_threshold", 1360, 2000, 600, AtBottom},
		{"exactly_at_threshold", 1350, 2000, 600, AtBottom},
		{"just_past_threshold", 1349, 2000, 600, ScrolledUp},
		{"deep_in_history", 0, 2000, 600, ScrolledUp},
		{"content_shorter_than_viewport", 0, 300, 600, AtBottom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(0)
			tr.Observe(tt.offset, tt.content, tt.view)
			if tr.State() != tt.wantState {
				t.Errorf("state = %v, want %v", tr.State(), tt.wantState)
			}
		})
	}
}

func TestUnreadCountsOnlyWhileScrolledUp(t *testing.T) {
	tr := NewTracker(0)

	// AtBottom: appends auto-scroll and the counter stays 0.
	if !tr.NoteAppend() {
		t.Error("append at bottom should auto-scroll")
	}
	if tr.Unread() != 0 {
		t.Errorf("unread = %d, want 0 while at bottom", tr.Unread())
	}

	tr.Observe(0, 2000, 600)
	for i := 1; i <= 3; i++ {
		if tr.NoteAppend() {
			t.Error("append while scrolled up must not auto-scroll")
		}
		if tr.Unread() != i {
			t.Errorf("unread = %d, want %d", tr.Unread(), i)
		}
	}
	if !tr.ShowIndicator() {
		t.Error("indicator should show with unread messages while scrolled up")
	}
}

func TestReturnToBottomClearsUnread(t *testing.T) {
	tr := NewTracker(0)
	tr.Observe(0, 2000, 600)
	tr.NoteAppend()
	tr.NoteAppend()

	// Scrolling back within the threshold clears the counter.
	tr.Observe(1400, 2000, 600)
	if tr.State() != AtBottom || tr.Unread() != 0 {
		t.Errorf("state=%v unread=%d, want at-bottom/0", tr.State(), tr.Unread())
	}
	if tr.ShowIndicator() {
		t.Error("indicator must hide at bottom")
	}
}

func TestScrollToBottom(t *testing.T) {
	tr := NewTracker(0)
	tr.Observe(0, 2000, 600)
	tr.NoteAppend()

	tr.ScrollToBottom()
	if tr.State() != AtBottom || tr.Unread() != 0 {
		t.Errorf("state=%v unread=%d after jump, want at-bottom/0", tr.State(), tr.Unread())
	}
}

func TestNotePrependPreservesAnchor(t *testing.T) {
	tr := NewTracker(0)
	tr.Observe(100, 2000, 600)

	got := tr.NotePrepend(100, 2000, 2800)
	if got != 900 {
		t.Errorf("adjusted offset = %v, want 900", got)
	}
	// Backfill never touches state or the counter.
	if tr.State() != ScrolledUp || tr.Unread() != 0 {
		t.Errorf("state=%v unread=%d, want scrolled-up/0", tr.State(), tr.Unread())
	}

	// A shrinking height (should not happen) must not move the view backwards.
	if got := tr.NotePrepend(100, 2000, 1500); got != 100 {
		t.Errorf("adjusted offset = %v, want 100", got)
	}
}

func TestCustomThreshold(t *testing.T) {
	tr := NewTracker(200)
	tr.Observe(1250, 2000, 600) // 150 remaining
	if tr.State() != AtBottom {
		t.Error("150 remaining is within a 200 threshold")
	}
	tr.Observe(1100, 2000, 600) // 300 remaining
	if tr.State() != ScrolledUp {
		t.Error("300 remaining exceeds a 200 threshold")
	}
}
