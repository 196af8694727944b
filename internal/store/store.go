// Package store provides the SQLite persistence layer for the sync engine.
//
// All durable state lives here: cached items, the change queue and its
// dead-letter set, the sync run fallback records, the rate budget ledger,
// and pull watermarks. The database runs in embedded mode with WAL for
// concurrent reads during writes.
//
// Workflow:
//  1. User actions append to the change queue and mutate item flags
//  2. The orchestrator drains the queue and pushes batches upstream
//  3. Pull sync upserts remote deltas through the conflict resolver
//  4. Status pollers read sync run records when the in-memory primary misses
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection with sync-engine specific queries.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".feedsyncd/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// WAL mode for concurrent reads
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other libraries that expect *sql.DB.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Cached items. Flags are the synchronized state; metadata is
	-- refreshed on pull and never pushed.
	CREATE TABLE IF NOT EXISTS items (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		upstream_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		feed_title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		is_read INTEGER NOT NULL DEFAULT 0,
		is_starred INTEGER NOT NULL DEFAULT 0,
		last_local_update TEXT,
		last_sync_update TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Pending local mutations awaiting push.
	CREATE TABLE IF NOT EXISTS change_queue (
		id TEXT PRIMARY KEY,
		item_upstream_id TEXT NOT NULL,
		action TEXT NOT NULL,
		category TEXT NOT NULL,
		action_ts TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		next_attempt_at TEXT NOT NULL,
		in_flight INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Entries that exceeded the retry ceiling.
	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		item_upstream_id TEXT NOT NULL,
		action TEXT NOT NULL,
		action_ts TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		moved_at TEXT NOT NULL
	);

	-- Durable fallback for sync run status (the in-memory primary
	-- does not survive process restarts).
	CREATE TABLE IF NOT EXISTS sync_runs (
		sync_id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		stage TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT,
		error_detail TEXT NOT NULL DEFAULT ''
	);

	-- Single-row rate budget ledger, reconciled from upstream headers.
	CREATE TABLE IF NOT EXISTS rate_budget (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		window_start TEXT NOT NULL,
		used INTEGER NOT NULL,
		call_limit INTEGER NOT NULL,
		reset_after_seconds INTEGER NOT NULL
	);

	-- Pull cursors: last_incremental_pull, last_full_pull.
	CREATE TABLE IF NOT EXISTS watermarks (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_items_read ON items(is_read);
	CREATE INDEX IF NOT EXISTS idx_items_starred ON items(is_starred);
	CREATE INDEX IF NOT EXISTS idx_items_sync ON items(last_sync_update);

	-- Composite index driving eligible-entry drains
	CREATE INDEX IF NOT EXISTS idx_queue_drain
	    ON change_queue(in_flight, next_attempt_at, action_ts);
	CREATE INDEX IF NOT EXISTS idx_queue_item
	    ON change_queue(item_upstream_id, category);

	CREATE INDEX IF NOT EXISTS idx_runs_completed ON sync_runs(completed_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// formatTime renders a timestamp in the canonical storage format.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a timestamp in the canonical storage format.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// boolToInt converts a bool to the 0/1 representation used in SQLite.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
