package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// PostgresStore implements Store on top of the messages table. Inserts are
// fanned out to the in-process hub; rows written by other processes are
// picked up by the poll watcher (see notify.go).
type PostgresStore struct {
	db  *sql.DB
	hub *hub
}

// NewPostgres wraps an open database handle. Call StartWatcher to pick up
// rows inserted outside this process.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, hub: newHub()}
}

const messageColumns = `id, COALESCE(sender,''), COALESCE(room,''), COALESCE(content,''), COALESCE(image_url,''), created_at`

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	err := rows.Scan(&m.ID, &m.Sender, &m.Room, &m.Content, &m.ImageURL, &m.CreatedAt)
	return m, err
}

// Query returns messages matching opts in the requested order.
func (s *PostgresStore) Query(ctx context.Context, opts QueryOptions) ([]Message, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.Sender != "" {
		where = append(where, "sender = "+arg(opts.Sender))
	}
	if !opts.CreatedAfter.IsZero() {
		where = append(where, "created_at >= "+arg(opts.CreatedAfter))
	}
	if opts.Before != nil {
		// Strictly older than the cursor position in (created_at, id) order.
		ts := arg(opts.Before.CreatedAt)
		id := arg(opts.Before.ID)
		where = append(where, fmt.Sprintf("(created_at < %s OR (created_at = %s AND id < %s))", ts, ts, id))
	}
	q := "SELECT " + messageColumns + " FROM messages"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if opts.Order == Descending {
		q += " ORDER BY created_at DESC, id DESC"
	} else {
		q += " ORDER BY created_at ASC, id ASC"
	}
	if opts.Limit > 0 {
		q += " LIMIT " + arg(opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query messages: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate messages: %v", ErrUnavailable, err)
	}
	return out, nil
}

// QueryNewer returns messages strictly newer than after, ascending.
func (s *PostgresStore) QueryNewer(ctx context.Context, after Cursor, limit int) ([]Message, error) {
	q := "SELECT " + messageColumns + ` FROM messages
		WHERE created_at > $1 OR (created_at = $1 AND id > $2)
		ORDER BY created_at ASC, id ASC`
	args := []any{after.CreatedAt, after.ID}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query newer: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate newer: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Insert persists one row, letting Postgres assign id and created_at, and
// publishes the stored row to local subscribers.
func (s *PostgresStore) Insert(ctx context.Context, f Fields) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (sender, room, content, image_url)
		VALUES (NULLIF($1,''), NULLIF($2,''), $3, NULLIF($4,''))
		RETURNING `+messageColumns, f.Sender, f.Room, f.Content, f.ImageURL)
	var m Message
	if err := row.Scan(&m.ID, &m.Sender, &m.Room, &m.Content, &m.ImageURL, &m.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("%w: insert message: %v", ErrUnavailable, err)
	}
	s.hub.publish(m)
	return m, nil
}

// Subscribe registers for newly inserted rows.
func (s *PostgresStore) Subscribe(buffer int) *Subscription {
	return s.hub.subscribe(buffer)
}
