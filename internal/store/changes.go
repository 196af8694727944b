package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
)

// InsertChange appends a change entry to the queue.
// The insert is synchronous and touches only the local database, so
// callers on the user-action path never block on network I/O.
func (s *Store) InsertChange(ctx context.Context, e *feed.ChangeEntry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid change entry: %w", err)
	}

	query := `
	INSERT INTO change_queue (
		id, item_upstream_id, action, category, action_ts,
		attempts, last_attempt_at, next_attempt_at, in_flight, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		e.ID,
		e.ItemUpstreamID,
		string(e.Action),
		string(e.Action.Category()),
		formatTime(e.ActionTimestamp),
		e.Attempts,
		timeToNullString(e.LastAttemptAt),
		formatTime(e.NextAttemptAt),
		boolToInt(e.InFlight),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert change entry: %w", err)
	}

	return nil
}

// DrainChanges claims up to max eligible entries inside a single
// transaction: entries not already in flight whose next_attempt_at has
// passed, ordered by action_ts ascending. Superseded entries (older
// actions for the same item and category) are deleted as covered by the
// newer action, and the claimed entries are marked in flight so a
// concurrent drain cannot return an overlapping set.
func (s *Store) DrainChanges(ctx context.Context, max int, now time.Time) ([]feed.ChangeEntry, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin drain transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	SELECT id, item_upstream_id, action, action_ts,
	       attempts, last_attempt_at, next_attempt_at, created_at
	FROM change_queue
	WHERE in_flight = 0 AND next_attempt_at <= ?
	ORDER BY action_ts ASC, created_at ASC
	`

	rows, err := tx.QueryContext(ctx, query, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible entries: %w", err)
	}

	var eligible []feed.ChangeEntry
	for rows.Next() {
		e, err := scanChange(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan change entry: %w", err)
		}
		eligible = append(eligible, *e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating change entries: %w", err)
	}
	rows.Close()

	// Coalesce: rows arrive oldest-first, so a later row for the same
	// (item, category) supersedes anything seen so far.
	type key struct {
		item     string
		category feed.Category
	}
	latest := make(map[key]feed.ChangeEntry)
	var superseded []string
	for _, e := range eligible {
		k := key{e.ItemUpstreamID, e.Action.Category()}
		if prev, ok := latest[k]; ok {
			superseded = append(superseded, prev.ID)
		}
		latest[k] = e
	}

	// Preserve oldest-first order among the survivors.
	var drained []feed.ChangeEntry
	for _, e := range eligible {
		k := key{e.ItemUpstreamID, e.Action.Category()}
		if latest[k].ID != e.ID {
			continue
		}
		drained = append(drained, e)
		if max > 0 && len(drained) == max {
			break
		}
	}

	if len(superseded) > 0 {
		del := `DELETE FROM change_queue WHERE id IN (` + placeholders(len(superseded)) + `)`
		if _, err := tx.ExecContext(ctx, del, stringArgs(superseded)...); err != nil {
			return nil, fmt.Errorf("failed to delete superseded entries: %w", err)
		}
	}

	if len(drained) > 0 {
		ids := make([]string, len(drained))
		for i := range drained {
			ids[i] = drained[i].ID
			drained[i].InFlight = true
		}
		mark := `UPDATE change_queue SET in_flight = 1 WHERE id IN (` + placeholders(len(ids)) + `)`
		if _, err := tx.ExecContext(ctx, mark, stringArgs(ids)...); err != nil {
			return nil, fmt.Errorf("failed to mark entries in flight: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain transaction: %w", err)
	}

	return drained, nil
}

// DeleteChanges removes acknowledged entries from the queue.
func (s *Store) DeleteChanges(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `DELETE FROM change_queue WHERE id IN (` + placeholders(len(ids)) + `)`
	if _, err := s.conn.ExecContext(ctx, query, stringArgs(ids)...); err != nil {
		return fmt.Errorf("failed to delete change entries: %w", err)
	}
	return nil
}

// GetChanges fetches entries by ID regardless of in-flight state.
func (s *Store) GetChanges(ctx context.Context, ids []string) ([]feed.ChangeEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
	SELECT id, item_upstream_id, action, action_ts,
	       attempts, last_attempt_at, next_attempt_at, created_at
	FROM change_queue
	WHERE id IN (` + placeholders(len(ids)) + `)
	ORDER BY action_ts ASC, created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change entries: %w", err)
	}
	defer rows.Close()

	var entries []feed.ChangeEntry
	for rows.Next() {
		e, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change entries: %w", err)
	}

	return entries, nil
}

// ListChanges returns every queued entry, oldest action first.
func (s *Store) ListChanges(ctx context.Context) ([]feed.ChangeEntry, error) {
	query := `
	SELECT id, item_upstream_id, action, action_ts,
	       attempts, last_attempt_at, next_attempt_at, created_at
	FROM change_queue
	ORDER BY action_ts ASC, created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query change entries: %w", err)
	}
	defer rows.Close()

	var entries []feed.ChangeEntry
	for rows.Next() {
		e, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change entries: %w", err)
	}

	return entries, nil
}

// MarkChangeFailed records a failed push attempt and schedules the retry.
// The in-flight claim is released so a later drain can pick the entry up
// once next_attempt_at passes.
func (s *Store) MarkChangeFailed(ctx context.Context, id string, attempts int, lastAttempt, nextAttempt time.Time) error {
	query := `
	UPDATE change_queue SET
		attempts = ?,
		last_attempt_at = ?,
		next_attempt_at = ?,
		in_flight = 0
	WHERE id = ?
	`

	_, err := s.conn.ExecContext(ctx, query,
		attempts, formatTime(lastAttempt), formatTime(nextAttempt), id)
	if err != nil {
		return fmt.Errorf("failed to mark change %s failed: %w", id, err)
	}
	return nil
}

// ReleaseInFlight clears the in-flight claim on the given entries without
// counting an attempt. Used when a drained batch is deferred (rate budget
// exhausted, cancellation) rather than failed.
func (s *Store) ReleaseInFlight(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE change_queue SET in_flight = 0 WHERE id IN (` + placeholders(len(ids)) + `)`
	if _, err := s.conn.ExecContext(ctx, query, stringArgs(ids)...); err != nil {
		return fmt.Errorf("failed to release in-flight entries: %w", err)
	}
	return nil
}

// ReleaseAllInFlight clears every in-flight claim. Called on startup so
// entries claimed by a crashed process become drainable again.
func (s *Store) ReleaseAllInFlight(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `UPDATE change_queue SET in_flight = 0 WHERE in_flight = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to release in-flight entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released entries: %w", err)
	}
	return n, nil
}

// CountPendingChanges returns the number of entries waiting in the queue.
// Entries claimed by an active drain are in flight, not waiting, and are
// excluded.
func (s *Store) CountPendingChanges(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM change_queue WHERE in_flight = 0").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// MoveToDeadLetter removes the entry from the queue and records it in the
// dead-letter set in a single transaction, so the mutation is never
// silently dropped.
func (s *Store) MoveToDeadLetter(ctx context.Context, e *feed.ChangeEntry, lastError string, now time.Time) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM change_queue WHERE id = ?`, e.ID); err != nil {
		return fmt.Errorf("failed to remove entry %s from queue: %w", e.ID, err)
	}

	insert := `
	INSERT INTO dead_letters (id, item_upstream_id, action, action_ts, attempts, last_error, moved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		attempts = excluded.attempts,
		last_error = excluded.last_error,
		moved_at = excluded.moved_at
	`
	_, err = tx.ExecContext(ctx, insert,
		e.ID, e.ItemUpstreamID, string(e.Action), formatTime(e.ActionTimestamp),
		e.Attempts, lastError, formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert dead letter %s: %w", e.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter transaction: %w", err)
	}
	return nil
}

// ListDeadLetters returns the dead-letter set, newest first.
func (s *Store) ListDeadLetters(ctx context.Context) ([]feed.DeadLetter, error) {
	query := `
	SELECT id, item_upstream_id, action, action_ts, attempts, last_error, moved_at
	FROM dead_letters
	ORDER BY moved_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []feed.DeadLetter
	for rows.Next() {
		var d feed.DeadLetter
		var action, actionTS, movedAt string

		if err := rows.Scan(&d.ID, &d.ItemUpstreamID, &action, &actionTS, &d.Attempts, &d.LastError, &movedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}

		d.Action = feed.Action(action)
		if t, err := parseTime(actionTS); err == nil {
			d.ActionTimestamp = t
		}
		if t, err := parseTime(movedAt); err == nil {
			d.MovedAt = t
		}

		letters = append(letters, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return letters, nil
}

// RequeueDeadLetter moves a dead letter back into the change queue with a
// fresh attempt counter.
func (s *Store) RequeueDeadLetter(ctx context.Context, id string, now time.Time) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin requeue transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, item_upstream_id, action, action_ts, attempts FROM dead_letters WHERE id = ?`, id)

	var d feed.DeadLetter
	var action, actionTS string
	if err := row.Scan(&d.ID, &d.ItemUpstreamID, &action, &actionTS, &d.Attempts); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read dead letter %s: %w", id, err)
	}

	ts, err := parseTime(actionTS)
	if err != nil {
		return err
	}

	insert := `
	INSERT INTO change_queue (
		id, item_upstream_id, action, category, action_ts,
		attempts, next_attempt_at, in_flight, created_at
	) VALUES (?, ?, ?, ?, ?, 0, ?, 0, ?)
	`
	_, err = tx.ExecContext(ctx, insert,
		d.ID, d.ItemUpstreamID, action, string(feed.Action(action).Category()),
		formatTime(ts), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to requeue dead letter %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove dead letter %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit requeue transaction: %w", err)
	}
	return nil
}

// scanChange scans a single change queue row (without the in_flight and
// category columns, which are implied by the query context).
func scanChange(rows *sql.Rows) (*feed.ChangeEntry, error) {
	var e feed.ChangeEntry
	var action, actionTS, nextAttempt, createdAt string
	var lastAttempt sql.NullString

	err := rows.Scan(
		&e.ID,
		&e.ItemUpstreamID,
		&action,
		&actionTS,
		&e.Attempts,
		&lastAttempt,
		&nextAttempt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	e.Action = feed.Action(action)
	e.LastAttemptAt = nullStringToTime(lastAttempt)

	if t, err := parseTime(actionTS); err == nil {
		e.ActionTimestamp = t
	}
	if t, err := parseTime(nextAttempt); err == nil {
		e.NextAttemptAt = t
	}
	if t, err := parseTime(createdAt); err == nil {
		e.CreatedAt = t
	}

	return &e, nil
}

// placeholders returns a comma-separated list of n SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// stringArgs converts a string slice to []interface{} for ExecContext.
func stringArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
