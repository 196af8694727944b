package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
)

// UpsertSyncRun writes a sync run record to the durable fallback store.
// Called on every stage transition so a status poller hitting a different
// process instance still gets an answer.
func (s *Store) UpsertSyncRun(ctx context.Context, run *feed.SyncRun) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid sync run: %w", err)
	}

	query := `
	INSERT INTO sync_runs (
		sync_id, mode, stage, progress, message,
		started_at, completed_at, error_detail
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(sync_id) DO UPDATE SET
		stage = excluded.stage,
		progress = MAX(progress, excluded.progress),
		message = excluded.message,
		completed_at = excluded.completed_at,
		error_detail = excluded.error_detail
	`

	_, err := s.conn.ExecContext(ctx, query,
		run.SyncID,
		string(run.Mode),
		string(run.Stage),
		run.ProgressPercent,
		run.Message,
		formatTime(run.StartedAt),
		timeToNullString(run.CompletedAt),
		run.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sync run %s: %w", run.SyncID, err)
	}

	return nil
}

// GetSyncRun retrieves a sync run record by ID.
// Returns ErrNotFound if no record exists (or it was purged).
func (s *Store) GetSyncRun(ctx context.Context, syncID string) (*feed.SyncRun, error) {
	query := `
	SELECT sync_id, mode, stage, progress, message,
	       started_at, completed_at, error_detail
	FROM sync_runs
	WHERE sync_id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, syncID)
	run, err := scanSyncRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync run %s: %w", syncID, err)
	}
	return run, nil
}

// LatestSyncRun returns the most recently started run, or ErrNotFound.
func (s *Store) LatestSyncRun(ctx context.Context) (*feed.SyncRun, error) {
	query := `
	SELECT sync_id, mode, stage, progress, message,
	       started_at, completed_at, error_detail
	FROM sync_runs
	ORDER BY started_at DESC
	LIMIT 1
	`

	row := s.conn.QueryRowContext(ctx, query)
	run, err := scanSyncRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sync run: %w", err)
	}
	return run, nil
}

// PurgeSyncRuns deletes terminal runs that completed before the cutoff.
// Returns the number of records removed.
func (s *Store) PurgeSyncRuns(ctx context.Context, completedBefore time.Time) (int64, error) {
	query := `
	DELETE FROM sync_runs
	WHERE completed_at IS NOT NULL AND completed_at < ?
	`

	res, err := s.conn.ExecContext(ctx, query, formatTime(completedBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to purge sync runs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged sync runs: %w", err)
	}
	return n, nil
}

// scanSyncRun scans a single sync run row.
func scanSyncRun(row scanner) (*feed.SyncRun, error) {
	var run feed.SyncRun
	var mode, stage, startedAt string
	var completedAt sql.NullString

	err := row.Scan(
		&run.SyncID,
		&mode,
		&stage,
		&run.ProgressPercent,
		&run.Message,
		&startedAt,
		&completedAt,
		&run.ErrorDetail,
	)
	if err != nil {
		return nil, err
	}

	run.Mode = feed.SyncMode(mode)
	run.Stage = feed.Stage(stage)
	run.CompletedAt = nullStringToTime(completedAt)

	if t, err := parseTime(startedAt); err == nil {
		run.StartedAt = t
	}

	return &run, nil
}
