package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
)

// GetItem retrieves a single item by upstream ID.
// Returns ErrNotFound if the item does not exist.
func (s *Store) GetItem(upstreamID string) (*feed.Item, error) {
	return s.GetItemContext(context.Background(), upstreamID)
}

// GetItemContext retrieves a single item by upstream ID with context support.
func (s *Store) GetItemContext(ctx context.Context, upstreamID string) (*feed.Item, error) {
	query := `
	SELECT local_id, upstream_id, title, feed_title, url,
	       is_read, is_starred, last_local_update, last_sync_update,
	       version, created_at, updated_at
	FROM items
	WHERE upstream_id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, upstreamID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", upstreamID, err)
	}
	return item, nil
}

// InsertRemoteItem creates a local item row on first sight of an upstream ID.
//
// The remote state is applied directly (there is nothing local to conflict
// with) and last_sync_update is set to the remote timestamp.
func (s *Store) InsertRemoteItem(ctx context.Context, r *feed.RemoteItem, now time.Time) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid remote item: %w", err)
	}

	query := `
	INSERT INTO items (
		upstream_id, title, feed_title, url,
		is_read, is_starred, last_sync_update,
		version, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	ON CONFLICT(upstream_id) DO UPDATE SET
		title = excluded.title,
		feed_title = excluded.feed_title,
		url = excluded.url,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		r.UpstreamID,
		r.Title,
		r.FeedTitle,
		r.URL,
		boolToInt(r.IsRead),
		boolToInt(r.IsStarred),
		formatTime(r.UpdatedAt),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to insert item %s: %w", r.UpstreamID, err)
	}

	return nil
}

// ApplyRemoteState sets the item flags to a remote value that won conflict
// resolution, records last_sync_update, and bumps the version counter.
func (s *Store) ApplyRemoteState(ctx context.Context, upstreamID string, isRead, isStarred bool, syncTS, now time.Time) error {
	query := `
	UPDATE items SET
		is_read = ?,
		is_starred = ?,
		last_sync_update = ?,
		version = version + 1,
		updated_at = ?
	WHERE upstream_id = ?
	`

	res, err := s.conn.ExecContext(ctx, query,
		boolToInt(isRead),
		boolToInt(isStarred),
		formatTime(syncTS),
		formatTime(now),
		upstreamID,
	)
	if err != nil {
		return fmt.Errorf("failed to apply remote state to %s: %w", upstreamID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check remote state update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// RefreshMetadata updates the non-synchronized article fields from a pull
// without touching the flags or conflict timestamps.
func (s *Store) RefreshMetadata(ctx context.Context, r *feed.RemoteItem, now time.Time) error {
	query := `
	UPDATE items SET
		title = ?,
		feed_title = ?,
		url = ?,
		updated_at = ?
	WHERE upstream_id = ?
	`

	_, err := s.conn.ExecContext(ctx, query,
		r.Title, r.FeedTitle, r.URL, formatTime(now), r.UpstreamID)
	if err != nil {
		return fmt.Errorf("failed to refresh metadata for %s: %w", r.UpstreamID, err)
	}
	return nil
}

// ApplyLocalAction mutates the item flags for a user action and records
// last_local_update. Writes from pull and push paths are serialized by the
// orchestrator's single-flight; this method only needs row-level atomicity.
func (s *Store) ApplyLocalAction(ctx context.Context, upstreamID string, action feed.Action, ts time.Time) error {
	if err := action.Validate(); err != nil {
		return err
	}

	var set string
	switch action.Category() {
	case feed.CategoryRead:
		set = "is_read = ?"
	case feed.CategoryStar:
		set = "is_starred = ?"
	}

	on := action == feed.ActionRead || action == feed.ActionStar

	query := `
	UPDATE items SET ` + set + `,
		last_local_update = ?,
		version = version + 1,
		updated_at = ?
	WHERE upstream_id = ?
	`

	res, err := s.conn.ExecContext(ctx, query,
		boolToInt(on),
		formatTime(ts),
		formatTime(ts),
		upstreamID,
	)
	if err != nil {
		return fmt.Errorf("failed to apply %s to item %s: %w", action, upstreamID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check local action update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// ItemFilter selects which items ListItems returns.
type ItemFilter string

const (
	FilterAll     ItemFilter = "all"
	FilterUnread  ItemFilter = "unread"
	FilterStarred ItemFilter = "starred"
	FilterPending ItemFilter = "pending" // diverged items awaiting push
)

// ListItemsOptions configures the ListItems query.
type ListItemsOptions struct {
	Filter ItemFilter
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Offset skips the first N results (for pagination)
	Offset int
}

// ListItems retrieves items matching the filter, newest first.
func (s *Store) ListItems(opts ListItemsOptions) ([]*feed.Item, error) {
	return s.ListItemsContext(context.Background(), opts)
}

// ListItemsContext retrieves items with context support.
func (s *Store) ListItemsContext(ctx context.Context, opts ListItemsOptions) ([]*feed.Item, error) {
	var conditions []string
	var args []interface{}

	switch opts.Filter {
	case "", FilterAll:
	case FilterUnread:
		conditions = append(conditions, "is_read = 0")
	case FilterStarred:
		conditions = append(conditions, "is_starred = 1")
	case FilterPending:
		conditions = append(conditions, "last_local_update IS NOT NULL")
		conditions = append(conditions, "(last_sync_update IS NULL OR last_local_update > last_sync_update)")
	default:
		return nil, fmt.Errorf("unknown item filter %q", string(opts.Filter))
	}

	query := `
	SELECT local_id, upstream_id, title, feed_title, url,
	       is_read, is_starred, last_local_update, last_sync_update,
	       version, created_at, updated_at
	FROM items
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, local_id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*feed.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	return items, nil
}

// Counts holds the materialized read-state counters.
type Counts struct {
	Total   int `json:"total"`
	Unread  int `json:"unread"`
	Starred int `json:"starred"`
	Pending int `json:"pending"`
}

// ItemCounts returns the read-state counters in a single query.
func (s *Store) ItemCounts(ctx context.Context) (*Counts, error) {
	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_starred = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN last_local_update IS NOT NULL
			AND (last_sync_update IS NULL OR last_local_update > last_sync_update)
			THEN 1 ELSE 0 END), 0)
	FROM items
	`

	var c Counts
	err := s.conn.QueryRowContext(ctx, query).Scan(&c.Total, &c.Unread, &c.Starred, &c.Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	return &c, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanItem.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanItem scans a single item row.
func scanItem(row scanner) (*feed.Item, error) {
	var item feed.Item
	var isRead, isStarred int
	var lastLocal, lastSync sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&item.LocalID,
		&item.UpstreamID,
		&item.Title,
		&item.FeedTitle,
		&item.URL,
		&isRead,
		&isStarred,
		&lastLocal,
		&lastSync,
		&item.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.IsRead = isRead != 0
	item.IsStarred = isStarred != 0
	item.LastLocalUpdate = nullStringToTime(lastLocal)
	item.LastSyncUpdate = nullStringToTime(lastSync)

	if t, err := parseTime(createdAt); err == nil {
		item.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		item.UpdatedAt = t
	}

	return &item, nil
}
