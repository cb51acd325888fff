// Command logtail tails the message log from a terminal: it prints the newest
// page, optionally backfills older pages, and then follows live inserts until
// interrupted. It connects straight to Postgres via DB_DSN.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/subtalk/talklog/backend/db"
	"github.com/subtalk/talklog/backend/store"
	"github.com/subtalk/talklog/backend/stream"
	"github.com/subtalk/talklog/backend/telemetry"
	"github.com/subtalk/talklog/backend/viewport"
)

// printer writes messages once each, in order. Live appends arriving before
// the startup snapshot has been written are held back and counted as unread
// on the tracker, then deduped by cursor once the snapshot is flushed.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	view    *viewport.Tracker
	held    []store.Message
	last    store.Cursor
	started bool
	live    bool
}

func (p *printer) print(m store.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view.NoteAppend()
	if !p.live {
		p.held = append(p.held, m)
		return
	}
	p.write(m)
}

// release flushes held live messages and switches to direct printing. Called
// after the startup snapshot has been written, so it is also the jump to the
// live edge.
func (p *printer) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view.ScrollToBottom()
	p.live = true
	for _, m := range p.held {
		p.write(m)
	}
	p.held = nil
}

func (p *printer) write(m store.Message) {
	cur := store.CursorOf(m)
	if p.started && !(p.last.CreatedAt.Before(cur.CreatedAt) ||
		(p.last.CreatedAt.Equal(cur.CreatedAt) && p.last.ID < cur.ID)) {
		return
	}
	p.last = cur
	p.started = true

	line := fmt.Sprintf("%s  %-16s %s",
		m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		m.DisplaySender(), m.Content)
	if m.ImageURL != "" {
		line += "  [image: " + m.ImageURL + "]"
	}
	fmt.Fprintln(p.w, line)
}

func main() {
	pageSize := flag.Int("page-size", 50, "messages per page")
	pages := flag.Int("pages", 0, "older pages to backfill before following")
	follow := flag.Bool("follow", true, "keep following live inserts")
	flag.Parse()

	_ = godotenv.Load("backend/.env")
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	telemetry.Init()

	database, err := db.Connect(os.Getenv("DB_DSN"))
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewPostgres(database)
	go st.StartWatcher(ctx, 0)

	// The terminal acts as a viewport over the loaded window, one line per
	// message, anchored at the top of history while backfilling. Live rows
	// arriving in that phase accumulate as unread until release jumps to the
	// live edge.
	view := viewport.NewTracker(0)
	out := &printer{w: os.Stdout, view: view}
	tail := stream.NewSynchronizer(st, *pageSize)
	tail.OnAppend = out.print
	if err := tail.InitialLoad(ctx); err != nil {
		slog.Error("initial load failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer tail.Close()

	offset := 0.0
	height := float64(len(tail.Snapshot().Messages))
	view.Observe(offset, height, 0)

	for i := 0; i < *pages; i++ {
		added, err := tail.LoadOlder(ctx)
		if err != nil {
			slog.Warn("backfill failed", slog.Any("err", err))
			break
		}
		if added == 0 {
			break
		}
		grown := height + float64(added)
		offset = view.NotePrepend(offset, height, grown)
		height = grown
		view.Observe(offset, height, 0)
	}

	for _, m := range tail.Snapshot().Messages {
		out.mu.Lock()
		out.write(m)
		out.mu.Unlock()
	}
	if n := view.Unread(); n > 0 {
		slog.Info("messages arrived during backfill", slog.Int("unread", n))
	}
	out.release()

	if !*follow {
		return
	}
	select {
	case <-ctx.Done():
	case <-tail.Done():
	}
}
