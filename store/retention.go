package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/subtalk/talklog/backend/telemetry"
)

// RetentionPolicy defines which archived messages are eligible for cleanup.
type RetentionPolicy struct {
	// KeepLastNDays: messages older than this many days are eligible (0 = disabled)
	KeepLastNDays int
	// KeepLastNMessages: keep only the N most recent messages (0 = disabled)
	KeepLastNMessages int
	// DryRun: when true, log what would be deleted but don't delete
	DryRun bool
	// Interval: how often to run the cleanup job
	Interval time.Duration
}

// LoadRetentionPolicy loads retention configuration from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		Interval: 6 * time.Hour,
	}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNDays = n
		}
	}
	if s := os.Getenv("RETENTION_KEEP_COUNT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNMessages = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// StartRetentionJob runs a background job that periodically deletes archived
// messages outside the configured retention policy. Disabled unless at least
// one policy knob is set.
func StartRetentionJob(ctx context.Context, dbc *sql.DB) {
	policy := LoadRetentionPolicy()

	if policy.KeepLastNDays == 0 && policy.KeepLastNMessages == 0 {
		slog.Info("retention job disabled (no policy configured)")
		return
	}

	slog.Info("retention job starting",
		slog.Int("keep_days", policy.KeepLastNDays),
		slog.Int("keep_count", policy.KeepLastNMessages),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	if err := runRetentionCleanup(ctx, dbc, policy); err != nil {
		slog.Warn("retention cleanup failed", slog.Any("err", err))
	}

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := runRetentionCleanup(ctx, dbc, policy); err != nil {
				slog.Warn("retention cleanup failed", slog.Any("err", err))
			}
		}
	}
}

func runRetentionCleanup(ctx context.Context, dbc *sql.DB, policy RetentionPolicy) error {
	deleted := int64(0)

	if policy.KeepLastNDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -policy.KeepLastNDays)
		if policy.DryRun {
			var n int64
			if err := dbc.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM messages WHERE created_at < $1`, cutoff).Scan(&n); err != nil {
				return fmt.Errorf("retention dry-run count: %w", err)
			}
			slog.Info("retention dry-run: would delete by age", slog.Int64("count", n), slog.Time("cutoff", cutoff))
		} else {
			res, err := dbc.ExecContext(ctx, `DELETE FROM messages WHERE created_at < $1`, cutoff)
			if err != nil {
				return fmt.Errorf("retention delete by age: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil {
				deleted += n
			}
		}
	}

	if policy.KeepLastNMessages > 0 {
		q := `DELETE FROM messages WHERE id IN (
			SELECT id FROM messages ORDER BY created_at DESC, id DESC OFFSET $1
		)`
		if policy.DryRun {
			var n int64
			if err := dbc.QueryRowContext(ctx,
				`SELECT GREATEST(COUNT(*) - $1, 0) FROM messages`, policy.KeepLastNMessages).Scan(&n); err != nil {
				return fmt.Errorf("retention dry-run count: %w", err)
			}
			slog.Info("retention dry-run: would delete by count", slog.Int64("count", n))
		} else {
			res, err := dbc.ExecContext(ctx, q, policy.KeepLastNMessages)
			if err != nil {
				return fmt.Errorf("retention delete by count: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil {
				deleted += n
			}
		}
	}

	if deleted > 0 {
		telemetry.AddCounter(telemetry.MessagesPruned, float64(deleted))
		slog.Info("retention cleanup done", slog.Int64("deleted", deleted))
	}
	// Record last run for the readiness probe / status endpoint.
	_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ('retention_last_run', $1, NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		time.Now().UTC().Format(time.RFC3339))
	return nil
}
