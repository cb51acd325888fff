// Package stream reconciles a paginated historical read path with a live
// insert feed. The Window type and the functions operating on it are pure:
// every mutation returns a new value, so merge behavior is testable without
// a store or a running feed. Synchronizer (synchronizer.go) drives a Window
// against a store.Store.
package stream

import (
	"sort"

	"github.com/subtalk/talklog/backend/store"
)

// Window is the in-memory ordered view of loaded messages: an ascending
// (CreatedAt, ID) sequence, a cursor marking the oldest loaded message, and
// a flag for whether older history remains in the store.
type Window struct {
	Messages     []store.Message
	Cursor       store.Cursor
	HasMoreOlder bool
}

// Contains reports whether a message with the given id is present.
func (w Window) Contains(id int64) bool {
	for _, m := range w.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Newest returns the newest loaded message and whether the window is non-empty.
func (w Window) Newest() (store.Message, bool) {
	if len(w.Messages) == 0 {
		return store.Message{}, false
	}
	return w.Messages[len(w.Messages)-1], true
}

// installInitial builds a window from the newest page as returned by the
// store (descending order). pageSize is the requested limit; a full page
// means older history may remain.
func installInitial(page []store.Message, pageSize int) Window {
	asc := reverse(page)
	w := Window{
		Messages:     asc,
		HasMoreOlder: len(page) == pageSize && pageSize > 0,
	}
	if len(asc) > 0 {
		w.Cursor = store.CursorOf(asc[0])
	}
	return w
}

// prependOlder merges an older page (descending order, as returned by the
// store) into the window. Messages already present by id are skipped, so a
// page overlapping a racing live insert never duplicates. Returns the new
// window and how many messages were actually added.
func prependOlder(w Window, page []store.Message, pageSize int) (Window, int) {
	asc := reverse(page)
	fresh := make([]store.Message, 0, len(asc))
	for _, m := range asc {
		if !w.Contains(m.ID) {
			fresh = append(fresh, m)
		}
	}
	merged := append(fresh, w.Messages...)
	// A raced live insert can land anywhere; restore the global order.
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Before(merged[j]) })
	next := Window{
		Messages:     merged,
		HasMoreOlder: len(page) == pageSize && pageSize > 0,
	}
	if len(merged) > 0 {
		next.Cursor = store.CursorOf(merged[0])
	}
	return next, len(fresh)
}

// insertLive places a live-delivered message at its sorted position. A
// message whose id is already present is ignored (duplicate delivery, or
// overlap with an in-flight backfill). appended reports whether the message
// extended the tail, i.e. is a genuinely new live message for unread
// accounting; inserted reports whether the window changed at all.
func insertLive(w Window, m store.Message) (next Window, appended, inserted bool) {
	if w.Contains(m.ID) {
		return w, false, false
	}
	// Live delivery order is not guaranteed to match creation order under
	// clock skew, so the tail position is the common case, not an invariant.
	i := sort.Search(len(w.Messages), func(i int) bool { return m.Before(w.Messages[i]) })
	msgs := make([]store.Message, 0, len(w.Messages)+1)
	msgs = append(msgs, w.Messages[:i]...)
	msgs = append(msgs, m)
	msgs = append(msgs, w.Messages[i:]...)
	next = Window{Messages: msgs, HasMoreOlder: w.HasMoreOlder, Cursor: w.Cursor}
	if i == 0 {
		next.Cursor = store.CursorOf(m)
	}
	return next, i == len(w.Messages), true
}

// mergeNewer folds gap-heal results (ascending) into the window, deduplicating
// by id. The merge is commutative with live inserts: applying the same rows
// through either path yields the same window.
func mergeNewer(w Window, rows []store.Message) (Window, int) {
	added := 0
	for _, m := range rows {
		var inserted bool
		w, _, inserted = insertLive(w, m)
		if inserted {
			added++
		}
	}
	return w, added
}

func reverse(in []store.Message) []store.Message {
	out := make([]store.Message, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}
