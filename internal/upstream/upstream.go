// Package upstream defines the interface to the external feed
// aggregation service: listing changed items for pull sync and pushing
// local state changes. The service is the source of truth for item
// existence and the target for pushed read/star changes.
//
// Implementations make exactly one attempt per call and surface failures
// immediately; retry timing is the orchestrator's decision, not the
// network layer's.
package upstream

import (
	"context"
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
)

// RateInfo carries the authoritative rate-limit counters the service
// returns in-band with every response.
type RateInfo struct {
	Used       int
	Limit      int
	ResetAfter time.Duration
}

// ListOptions configures a ListChangedItems call.
type ListOptions struct {
	// Since bounds the pull to items changed after this time.
	// Nil requests a full listing.
	Since *time.Time

	// ExcludeRead drops already-read items from the response to bound
	// payload size.
	ExcludeRead bool

	// Cursor continues a paginated listing. Empty starts from the top.
	Cursor string

	// PageSize caps the number of items per page (0 = server default).
	PageSize int
}

// ItemsPage is one page of changed items.
type ItemsPage struct {
	Items []feed.RemoteItem

	// NextCursor is non-empty while more pages remain.
	NextCursor string

	// Rate holds the counters from this response, when present.
	Rate *RateInfo
}

// Change is one state mutation in a push batch.
type Change struct {
	// EntryID ties the change back to its queue entry for ack/fail
	// bookkeeping; it is not sent upstream.
	EntryID string

	ItemUpstreamID string
	Action         feed.Action
	Timestamp      time.Time
}

// Rejection reports an item the service refused to update.
type Rejection struct {
	ItemUpstreamID string
	Reason         string
}

// PushResult is the outcome of a push batch. Accepted and Rejected
// partition the batch by item upstream ID.
type PushResult struct {
	Accepted []string
	Rejected []Rejection
	Rate     *RateInfo
}

// Client is the upstream feed API surface consumed by the sync engine.
type Client interface {
	// ListChangedItems fetches one page of items changed since the
	// given time. A single network attempt; transport failures surface
	// as TransientError.
	ListChangedItems(ctx context.Context, opts ListOptions) (*ItemsPage, error)

	// PushStateChanges sends a batch of state changes in one call.
	// Item-level rejections are data in the result, not errors.
	PushStateChanges(ctx context.Context, batch []Change) (*PushResult, error)
}

// CredentialProvider supplies a valid bearer token for upstream calls.
// Providers handle their own refresh; the engine treats expiry as a
// retryable error class.
type CredentialProvider interface {
	BearerToken(ctx context.Context) (string, error)
}
