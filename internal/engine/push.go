package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rsstools/feedsyncd/internal/feed"
	"github.com/rsstools/feedsyncd/internal/ratelimit"
	"github.com/rsstools/feedsyncd/internal/upstream"
)

// push drains the change queue in batches and sends them upstream.
// Entries are grouped by action so each group goes out as one batched
// call; the drain already coalesced redundant actions per item. The
// stage is bounded by both the batch count limit and the configured
// time budget per cycle.
//
// On success accepted entries are acked; on partial failure only the
// rejected subset is failed; on total failure the whole batch is failed
// and the stage aborts. Rate exhaustion releases the claimed entries
// and ends the stage early with a note - partial progress is preferable
// to total rollback.
func (e *Engine) push(ctx context.Context, run *feed.SyncRun) (string, error) {
	e.mu.Lock()
	batchSize := e.config.PushBatchSize
	timeBudget := e.config.PushTimeBudget
	e.mu.Unlock()

	var deadline = e.now().Add(timeBudget)
	pushed := 0
	failed := 0
	batches := 0

	for {
		if timeBudget > 0 && e.now().After(deadline) {
			e.logger.Printf("Run %s: push stopped at time budget (%d pushed)", run.SyncID, pushed)
			return "push stopped: cycle time budget reached", nil
		}

		entries, err := e.queue.Drain(ctx, batchSize)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			break
		}

		groups, order := groupByAction(entries)

		for gi, action := range order {
			group := groups[action]

			if err := e.budget.Reserve(ctx, 1); err != nil {
				if errors.Is(err, ratelimit.ErrBudgetExhausted) {
					// Return everything still claimed, including the
					// groups we never got to.
					e.releaseGroups(ctx, groups, order[gi:])
					e.logger.Printf("Run %s: push deferred, %v", run.SyncID, err)
					return "push deferred: rate budget exhausted", nil
				}
				return "", err
			}

			acked, rejected, err := e.pushGroup(ctx, group)
			if err != nil {
				if errors.Is(err, upstream.ErrRateLimited) {
					e.releaseGroups(ctx, groups, order[gi:])
					e.logger.Printf("Run %s: push deferred, upstream rate limited", run.SyncID)
					return "push deferred: upstream rate limit", nil
				}
				// Total failure: the whole group goes to fail with
				// backoff; the stage aborts and the next cycle retries.
				ids := entryIDs(group)
				if ferr := e.queue.Fail(ctx, ids, err); ferr != nil {
					e.logger.Printf("ERROR: failed to record push failure: %v", ferr)
				}
				e.releaseGroups(ctx, groups, order[gi+1:])
				return "", err
			}

			pushed += acked
			failed += rejected
		}

		batches++
		pct := 55 + batches*10
		if pct > 95 {
			pct = 95
		}
		e.progressWithin(ctx, run, pct, fmt.Sprintf("pushed %d changes", pushed))
	}

	if pushed > 0 || failed > 0 {
		e.logger.Printf("Run %s: push acked %d entries, %d rejected", run.SyncID, pushed, failed)
	}
	return "", nil
}

// pushGroup sends one action group as a single upstream call and settles
// the entries: accepted are acked, rejected are failed toward their
// retry ceiling, and entries the response never mentioned are released
// unclaimed for the next cycle.
func (e *Engine) pushGroup(ctx context.Context, group []feed.ChangeEntry) (int, int, error) {
	batch := make([]upstream.Change, 0, len(group))
	byItem := make(map[string]string, len(group)) // item upstream ID -> entry ID
	for _, entry := range group {
		batch = append(batch, upstream.Change{
			EntryID:        entry.ID,
			ItemUpstreamID: entry.ItemUpstreamID,
			Action:         entry.Action,
			Timestamp:      entry.ActionTimestamp,
		})
		byItem[entry.ItemUpstreamID] = entry.ID
	}

	result, err := e.client.PushStateChanges(ctx, batch)
	if err != nil {
		return 0, 0, err
	}

	e.reconcileRate(ctx, result.Rate)

	var ackIDs, failIDs []string
	settled := make(map[string]bool, len(group))

	for _, itemID := range result.Accepted {
		if entryID, ok := byItem[itemID]; ok {
			ackIDs = append(ackIDs, entryID)
			settled[entryID] = true
		}
	}

	var rejectErr error
	for _, rej := range result.Rejected {
		entryID, ok := byItem[rej.ItemUpstreamID]
		if !ok {
			continue
		}
		failIDs = append(failIDs, entryID)
		settled[entryID] = true
		e.logger.Printf("Warning: upstream rejected %s: %s", rej.ItemUpstreamID, rej.Reason)
		rejectErr = fmt.Errorf("upstream rejected item: %s", rej.Reason)
	}

	var unsettled []string
	for _, entry := range group {
		if !settled[entry.ID] {
			unsettled = append(unsettled, entry.ID)
		}
	}

	if err := e.queue.Ack(ctx, ackIDs); err != nil {
		return 0, 0, fmt.Errorf("failed to ack pushed entries: %w", err)
	}
	if err := e.queue.Fail(ctx, failIDs, rejectErr); err != nil {
		return 0, 0, fmt.Errorf("failed to record rejected entries: %w", err)
	}
	if err := e.queue.Release(ctx, unsettled); err != nil {
		return 0, 0, fmt.Errorf("failed to release unsettled entries: %w", err)
	}

	return len(ackIDs), len(failIDs), nil
}

// releaseGroups returns claimed but unsent entries to the queue without
// counting an attempt.
func (e *Engine) releaseGroups(ctx context.Context, groups map[feed.Action][]feed.ChangeEntry, remaining []feed.Action) {
	var ids []string
	for _, action := range remaining {
		ids = append(ids, entryIDs(groups[action])...)
	}
	if err := e.queue.Release(ctx, ids); err != nil {
		e.logger.Printf("ERROR: failed to release deferred entries: %v", err)
	}
}

// groupByAction buckets entries by action, preserving first-seen order
// of the actions so oldest work ships first.
func groupByAction(entries []feed.ChangeEntry) (map[feed.Action][]feed.ChangeEntry, []feed.Action) {
	groups := make(map[feed.Action][]feed.ChangeEntry)
	var order []feed.Action
	for _, entry := range entries {
		if _, ok := groups[entry.Action]; !ok {
			order = append(order, entry.Action)
		}
		groups[entry.Action] = append(groups[entry.Action], entry)
	}
	return groups, order
}

// entryIDs extracts the queue IDs of a group.
func entryIDs(entries []feed.ChangeEntry) []string {
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return ids
}
