package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
	"github.com/rsstools/feedsyncd/internal/ratelimit"
	"github.com/rsstools/feedsyncd/internal/resolve"
	"github.com/rsstools/feedsyncd/internal/store"
	"github.com/rsstools/feedsyncd/internal/upstream"
)

// pull fetches upstream deltas and applies them through the conflict
// resolver. Incremental pulls start from the stored watermark with the
// exclude-read filter; on the configured cadence (or when the run mode
// is full) the watermark is ignored so drift from missed deltas heals.
//
// The watermark advances only after the whole batch has been applied.
// A single item-level failure is logged and skipped; a batch-level
// network failure aborts the pulling stage and is retried on the next
// cycle, not in place.
//
// Returns a note describing deferred work ("" when none) or an error
// that fails the stage.
func (e *Engine) pull(ctx context.Context, run *feed.SyncRun) (string, error) {
	e.mu.Lock()
	pageSize := e.config.PullPageSize
	fullEvery := e.config.FullPullEvery
	e.mu.Unlock()

	full := run.Mode == feed.ModeFull
	if !full {
		lastFull, err := e.store.Watermark(ctx, store.WatermarkFullPull)
		if err != nil {
			return "", err
		}
		if lastFull == nil || e.now().Sub(*lastFull) >= fullEvery {
			full = true
			e.logger.Printf("Run %s: upgrading to full pull (cadence)", run.SyncID)
		}
	}

	var sinceTS *time.Time
	if !full {
		wm, err := e.store.Watermark(ctx, store.WatermarkIncrementalPull)
		if err != nil {
			return "", err
		}
		sinceTS = wm
	}
	pullStart := e.now().UTC()

	cursor := ""
	pages := 0
	applied := 0
	skipped := 0

	for {
		if err := e.budget.Reserve(ctx, 1); err != nil {
			if errors.Is(err, ratelimit.ErrBudgetExhausted) {
				e.logger.Printf("Run %s: pull deferred, %v", run.SyncID, err)
				return "pull deferred: rate budget exhausted", nil
			}
			return "", err
		}

		page, err := e.client.ListChangedItems(ctx, upstream.ListOptions{
			Since:       sinceTS,
			ExcludeRead: !full,
			Cursor:      cursor,
			PageSize:    pageSize,
		})
		if err != nil {
			if errors.Is(err, upstream.ErrRateLimited) {
				e.logger.Printf("Run %s: pull deferred, upstream rate limited", run.SyncID)
				return "pull deferred: upstream rate limit", nil
			}
			return "", err
		}

		e.reconcileRate(ctx, page.Rate)

		for i := range page.Items {
			if err := e.applyRemote(ctx, &page.Items[i]); err != nil {
				skipped++
				e.logger.Printf("Warning: run %s: skipping item %s: %v",
					run.SyncID, page.Items[i].UpstreamID, err)
				continue
			}
			applied++
		}

		pages++
		pct := 5 + pages*5
		if pct > 50 {
			pct = 50
		}
		e.progressWithin(ctx, run, pct, fmt.Sprintf("pulled %d items", applied))

		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	// Batch fully applied; advance the watermark.
	if err := e.store.SetWatermark(ctx, store.WatermarkIncrementalPull, pullStart); err != nil {
		return "", err
	}
	if full {
		if err := e.store.SetWatermark(ctx, store.WatermarkFullPull, pullStart); err != nil {
			return "", err
		}
	}

	e.logger.Printf("Run %s: pull applied %d items (%d skipped, %d pages, full=%v)",
		run.SyncID, applied, skipped, pages, full)
	return "", nil
}

// applyRemote upserts one remote item into the local cache. New items
// are created directly; existing items go through the conflict resolver,
// which either applies the remote value or preserves the local one and
// re-enqueues the differing actions so upstream converges.
func (e *Engine) applyRemote(ctx context.Context, r *feed.RemoteItem) error {
	if err := r.Validate(); err != nil {
		return err
	}

	item, err := e.store.GetItemContext(ctx, r.UpstreamID)
	if errors.Is(err, store.ErrNotFound) {
		// First sight of this upstream ID.
		return e.store.InsertRemoteItem(ctx, r, e.now().UTC())
	}
	if err != nil {
		return err
	}

	if err := e.store.RefreshMetadata(ctx, r, e.now().UTC()); err != nil {
		return err
	}

	decision := resolve.Resolve(
		resolve.Local{
			IsRead:          item.IsRead,
			IsStarred:       item.IsStarred,
			LastLocalUpdate: item.LastLocalUpdate,
		},
		resolve.Remote{
			IsRead:    r.IsRead,
			IsStarred: r.IsStarred,
			Timestamp: r.UpdatedAt,
		},
	)

	switch decision.Outcome {
	case resolve.RemoteWins:
		if err := e.store.ApplyRemoteState(ctx, r.UpstreamID, decision.IsRead, decision.IsStarred, r.UpdatedAt, e.now().UTC()); err != nil {
			// The resolver is pure; an apply failure here is a
			// programming-error class, not a sync conflict.
			e.logger.Printf("ERROR: conflict apply failed for %s: %v", r.UpstreamID, err)
			return err
		}

	case resolve.LocalWins:
		for _, action := range decision.Reenqueue {
			if _, err := e.queue.Enqueue(ctx, r.UpstreamID, action, decision.EnqueueAt); err != nil {
				e.logger.Printf("ERROR: failed to re-enqueue %s for %s: %v", action, r.UpstreamID, err)
				return err
			}
		}
	}

	return nil
}

// reconcileRate adopts upstream's authoritative counters when present.
func (e *Engine) reconcileRate(ctx context.Context, rate *upstream.RateInfo) {
	if rate == nil {
		return
	}
	if err := e.budget.ReconcileUpstream(ctx, rate.Used, rate.Limit, rate.ResetAfter); err != nil {
		e.logger.Printf("Warning: rate reconcile failed: %v", err)
	}
}
