// Package feed provides the data structures shared across the sync engine:
// cached items, queued state changes, sync run status, and the rate budget
// ledger. All timestamps are UTC; conflict resolution compares them with
// last-write-wins semantics.
package feed

import (
	"fmt"
	"time"
)

// Item is a locally cached article and the unit being synchronized.
//
// The upstream service is the source of truth for item existence; this
// engine only reconciles the read/starred flags in both directions.
// LastLocalUpdate and LastSyncUpdate record which side last touched the
// flags: if LastLocalUpdate is nil the item has never diverged from
// upstream, and when both are set the greater one reflects which side
// last won.
type Item struct {
	// LocalID is the opaque local key (SQLite rowid).
	LocalID int64 `json:"local_id"`

	// UpstreamID is the stable external identifier, unique per item.
	UpstreamID string `json:"upstream_id"`

	// ===== Article metadata (refreshed on pull, never pushed) =====
	Title     string `json:"title,omitempty"`
	FeedTitle string `json:"feed_title,omitempty"`
	URL       string `json:"url,omitempty"`

	// ===== Synchronized state =====
	IsRead    bool `json:"is_read"`
	IsStarred bool `json:"is_starred"`

	// LastLocalUpdate is set whenever a user action mutates the flags.
	LastLocalUpdate *time.Time `json:"last_local_update,omitempty"`

	// LastSyncUpdate is set only by pull sync, when a remote value wins.
	LastSyncUpdate *time.Time `json:"last_sync_update,omitempty"`

	// Version is a monotonic counter bumped on every flag mutation.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the Item has valid field values.
func (i *Item) Validate() error {
	if i.UpstreamID == "" {
		return fmt.Errorf("upstream_id is required")
	}
	if i.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if i.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Diverged reports whether the item carries a local change that upstream
// may not have seen yet.
func (i *Item) Diverged() bool {
	if i.LastLocalUpdate == nil {
		return false
	}
	if i.LastSyncUpdate == nil {
		return true
	}
	return i.LastLocalUpdate.After(*i.LastSyncUpdate)
}

// RemoteItem is an item state as reported by the upstream service.
type RemoteItem struct {
	UpstreamID string `json:"id"`
	Title      string `json:"title,omitempty"`
	FeedTitle  string `json:"feed_title,omitempty"`
	URL        string `json:"url,omitempty"`
	IsRead     bool   `json:"is_read"`
	IsStarred  bool   `json:"is_starred"`

	// UpdatedAt is the upstream-side timestamp of the reported state.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the RemoteItem is usable.
func (r *RemoteItem) Validate() error {
	if r.UpstreamID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}
