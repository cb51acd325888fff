// Package viewport tracks whether a log view is pinned to the live edge and
// maintains the unread counter. It is independent of any rendering
// technology: callers feed it scroll measurements in whatever unit their
// renderer uses, and it answers with presentation decisions (auto-scroll,
// indicator visibility, anchor-preserving offset adjustments).
package viewport

import "sync"

// State of the viewport relative to the live edge.
type State int

const (
	// AtBottom: the viewer is within the proximity threshold of the newest
	// message; new messages auto-scroll into view.
	AtBottom State = iota
	// ScrolledUp: the viewer is reading history; new messages increment the
	// unread counter instead of moving the view.
	ScrolledUp
)

func (s State) String() string {
	if s == AtBottom {
		return "at-bottom"
	}
	return "scrolled-up"
}

// DefaultThreshold is the remaining scrollable distance under which the view
// counts as being at the live edge.
const DefaultThreshold = 50.0

// Tracker owns scroll/unread state. Invariant: the unread count is 0 while
// AtBottom, and increments only in lockstep with live-appended messages
// while ScrolledUp. Backfilled history never touches the counter.
type Tracker struct {
	mu        sync.Mutex
	state     State
	unread    int
	threshold float64
}

// NewTracker returns a tracker starting AtBottom. threshold <= 0 selects
// DefaultThreshold.
func NewTracker(threshold float64) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{threshold: threshold}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Unread returns the current unread count.
func (t *Tracker) Unread() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread
}

// ShowIndicator reports whether the "new messages" indicator should be shown.
func (t *Tracker) ShowIndicator() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == ScrolledUp && t.unread > 0
}

// Observe processes a scroll measurement: offset is the current scroll
// position from the top, contentHeight the total scrollable height, and
// viewportHeight the visible height. Crossing the proximity threshold
// transitions the state; entering AtBottom clears the unread count.
func (t *Tracker) Observe(offset, contentHeight, viewportHeight float64) {
	remaining := contentHeight - viewportHeight - offset
	t.mu.Lock()
	defer t.mu.Unlock()
	if remaining <= t.threshold {
		t.state = AtBottom
		t.unread = 0
	} else {
		t.state = ScrolledUp
	}
}

// NoteAppend records one live message appended to the window. While
// AtBottom it requests an auto-scroll (return value true) and the counter
// stays 0; while ScrolledUp it increments the counter by exactly 1.
func (t *Tracker) NoteAppend() (autoScroll bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == AtBottom {
		return true
	}
	t.unread++
	return false
}

// NotePrepend preserves the scroll anchor across a backfill: given the scroll
// offset before the mutation and the content height measured before and
// after, it returns the offset that keeps the previously visible message
// fixed. It never changes state or the unread count.
func (t *Tracker) NotePrepend(offset, heightBefore, heightAfter float64) float64 {
	delta := heightAfter - heightBefore
	if delta < 0 {
		delta = 0
	}
	return offset + delta
}

// ScrollToBottom handles an explicit jump to the live edge (e.g. the viewer
// clicking the indicator). Identical effect to a scroll-driven transition
// into AtBottom.
func (t *Tracker) ScrollToBottom() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = AtBottom
	t.unread = 0
}
