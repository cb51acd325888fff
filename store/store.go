// Package store defines the message store contract: ordered range queries,
// single-row insert, and a change-notification subscription for newly
// inserted rows. The Postgres implementation lives in postgres.go; tests and
// tooling use the in-memory implementation from memory.go.
package store

import (
	"context"
	"time"
)

// UnknownSender is the sentinel used wherever a message carries no sender.
const UnknownSender = "(unknown)"

// Message is a single stored chat event. Ordering for pagination and display
// is by (CreatedAt, ID) ascending, with ID breaking timestamp ties.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Room      string    `json:"room"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplaySender returns the sender, normalized to the sentinel when empty.
func (m Message) DisplaySender() string {
	if m.Sender == "" {
		return UnknownSender
	}
	return m.Sender
}

// Before reports whether m sorts strictly before other in (CreatedAt, ID) order.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// Fields is the insertable subset of a message; the store assigns ID and CreatedAt.
type Fields struct {
	Sender   string
	Room     string
	Content  string
	ImageURL string
}

// Cursor identifies a position in (CreatedAt, ID) order for exclusive pagination.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id"`
}

// CursorOf returns the cursor pointing at a message.
func CursorOf(m Message) Cursor { return Cursor{CreatedAt: m.CreatedAt, ID: m.ID} }

// Order is the sort direction of a query result.
type Order int

const (
	// Ascending returns oldest first.
	Ascending Order = iota
	// Descending returns newest first.
	Descending
)

// QueryOptions narrows and orders a range query. The zero value means
// "everything, ascending, no limit".
type QueryOptions struct {
	// Sender filters to messages by a single sender when non-empty.
	Sender string
	// CreatedAfter keeps only messages with CreatedAt >= the given instant
	// when non-zero.
	CreatedAfter time.Time
	// Before excludes messages at or after the cursor position (strictly
	// older than the cursor in composite order) when non-nil.
	Before *Cursor
	// Order is the sort direction.
	Order Order
	// Limit caps the result size when > 0.
	Limit int
}

// Store is the message store client. Implementations must assign ID and
// CreatedAt on insert, and deliver every inserted row at-least-once to
// active subscribers.
type Store interface {
	// Query returns messages matching opts in the requested order.
	Query(ctx context.Context, opts QueryOptions) ([]Message, error)
	// QueryNewer returns messages strictly newer than after in ascending
	// order, up to limit (0 = no limit). Used for gap healing.
	QueryNewer(ctx context.Context, after Cursor, limit int) ([]Message, error)
	// Insert persists one row and returns it with ID and CreatedAt set.
	Insert(ctx context.Context, f Fields) (Message, error)
	// Subscribe registers for newly inserted rows. The buffer bounds how many
	// undelivered messages a slow consumer may lag behind; overflowing the
	// buffer drops the subscription (the consumer must gap-heal).
	Subscribe(buffer int) *Subscription
}
