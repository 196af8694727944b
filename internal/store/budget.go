package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
)

// SaveRateBudget persists the rate budget ledger. A single row is kept;
// the ledger survives process restarts so the engine never resumes with
// a falsely-full budget.
func (s *Store) SaveRateBudget(ctx context.Context, b feed.RateBudget) error {
	query := `
	INSERT INTO rate_budget (id, window_start, used, call_limit, reset_after_seconds)
	VALUES (1, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		window_start = excluded.window_start,
		used = excluded.used,
		call_limit = excluded.call_limit,
		reset_after_seconds = excluded.reset_after_seconds
	`

	_, err := s.conn.ExecContext(ctx, query,
		formatTime(b.WindowStart),
		b.Used,
		b.Limit,
		int64(b.ResetAfter/time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to save rate budget: %w", err)
	}

	return nil
}

// LoadRateBudget reads the persisted rate budget ledger.
// Returns ErrNotFound if no ledger has been saved yet.
func (s *Store) LoadRateBudget(ctx context.Context) (*feed.RateBudget, error) {
	query := `
	SELECT window_start, used, call_limit, reset_after_seconds
	FROM rate_budget
	WHERE id = 1
	`

	var b feed.RateBudget
	var windowStart string
	var resetSeconds int64

	err := s.conn.QueryRowContext(ctx, query).Scan(&windowStart, &b.Used, &b.Limit, &resetSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rate budget: %w", err)
	}

	t, err := parseTime(windowStart)
	if err != nil {
		return nil, err
	}
	b.WindowStart = t
	b.ResetAfter = time.Duration(resetSeconds) * time.Second

	return &b, nil
}

// Watermark names used by pull sync.
const (
	WatermarkIncrementalPull = "last_incremental_pull"
	WatermarkFullPull        = "last_full_pull"
)

// SetWatermark stores a pull cursor.
func (s *Store) SetWatermark(ctx context.Context, name string, t time.Time) error {
	query := `
	INSERT INTO watermarks (name, value) VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`

	if _, err := s.conn.ExecContext(ctx, query, name, formatTime(t)); err != nil {
		return fmt.Errorf("failed to set watermark %s: %w", name, err)
	}
	return nil
}

// Watermark reads a pull cursor. Returns nil with no error when the
// watermark has never been set (first sync).
func (s *Store) Watermark(ctx context.Context, name string) (*time.Time, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM watermarks WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark %s: %w", name, err)
	}

	t, err := parseTime(value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
