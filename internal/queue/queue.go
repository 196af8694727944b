// Package queue implements the durable change queue: the ordered record
// of local read/star mutations awaiting push upstream.
//
// Enqueue is synchronous, append-only, and never touches the network, so
// user-visible actions feel instantaneous regardless of sync health.
// Drain, Ack, and Fail are serialized against each other by a single
// mutex (single writer per queue); Enqueue may be called concurrently
// from any number of user-action handlers.
//
// Retry timing is modeled as a computed next-eligible-attempt timestamp
// on each entry, checked by the drain query, rather than scheduled
// callbacks. This keeps retry behavior deterministic and testable
// without real clock waits.
package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rsstools/feedsyncd/internal/feed"
	"github.com/rsstools/feedsyncd/internal/store"
)

// Config holds the retry policy for the queue.
type Config struct {
	// BackoffBase is the delay after the first failed attempt.
	BackoffBase time.Duration

	// BackoffCap bounds the exponential backoff delay.
	BackoffCap time.Duration

	// MaxAttempts is the retry ceiling; entries that fail this many
	// times move to the dead-letter set.
	MaxAttempts int

	// Logger for queue activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BackoffBase: 30 * time.Second,
		BackoffCap:  time.Hour,
		MaxAttempts: 8,
		Logger:      log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Queue is the durable change queue backed by the store.
type Queue struct {
	store  *store.Store
	config *Config
	logger *log.Logger

	// drainMu serializes Drain/Ack/Fail relative to each other.
	drainMu sync.Mutex

	// now is injectable for tests.
	now func() time.Time
}

// New creates a queue over the given store.
func New(st *store.Store, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		store:  st,
		config: config,
		logger: config.Logger,
		now:    time.Now,
	}
}

// SetClock overrides the queue's time source. Tests only.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue appends a pending mutation for the given item.
// Multiple entries for the same item are legal; drain coalesces them so
// only the most recent action per category is sent.
func (q *Queue) Enqueue(ctx context.Context, itemUpstreamID string, action feed.Action, ts time.Time) (*feed.ChangeEntry, error) {
	if itemUpstreamID == "" {
		return nil, fmt.Errorf("item upstream id is required")
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}

	entry := &feed.ChangeEntry{
		ID:              uuid.NewString(),
		ItemUpstreamID:  itemUpstreamID,
		Action:          action,
		ActionTimestamp: ts.UTC(),
		NextAttemptAt:   ts.UTC(),
		CreatedAt:       q.now().UTC(),
	}

	if err := q.store.InsertChange(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to enqueue change: %w", err)
	}

	return entry, nil
}

// Drain claims up to max pending entries, oldest action first, marking
// them in flight so a concurrent drain from another trigger cannot
// double-send them. Entries still waiting out their backoff are skipped.
func (q *Queue) Drain(ctx context.Context, max int) ([]feed.ChangeEntry, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	entries, err := q.store.DrainChanges(ctx, max, q.now())
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}
	return entries, nil
}

// Ack removes entries after confirmed upstream acknowledgment.
func (q *Queue) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	if err := q.store.DeleteChanges(ctx, ids); err != nil {
		return fmt.Errorf("failed to ack entries: %w", err)
	}
	return nil
}

// Fail records a failed push attempt for each entry: attempts is
// incremented, the next eligible retry is computed with exponential
// backoff, and entries past the retry ceiling move to the dead-letter
// set rather than being retried forever.
func (q *Queue) Fail(ctx context.Context, ids []string, cause error) error {
	if len(ids) == 0 {
		return nil
	}

	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	entries, err := q.store.GetChanges(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load failed entries: %w", err)
	}

	now := q.now().UTC()
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	for i := range entries {
		e := entries[i]
		e.Attempts++

		if e.Attempts >= q.config.MaxAttempts {
			if err := q.store.MoveToDeadLetter(ctx, &e, reason, now); err != nil {
				return fmt.Errorf("failed to dead-letter entry %s: %w", e.ID, err)
			}
			q.logger.Printf("Entry %s (%s %s) moved to dead letters after %d attempts: %s",
				e.ID, e.Action, e.ItemUpstreamID, e.Attempts, reason)
			continue
		}

		next := now.Add(q.backoffDelay(e.Attempts))
		if err := q.store.MarkChangeFailed(ctx, e.ID, e.Attempts, now, next); err != nil {
			return fmt.Errorf("failed to record attempt for %s: %w", e.ID, err)
		}
	}

	return nil
}

// Release returns claimed entries to the queue without counting an
// attempt. Used when a drained batch is deferred rather than failed.
func (q *Queue) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	if err := q.store.ReleaseInFlight(ctx, ids); err != nil {
		return fmt.Errorf("failed to release entries: %w", err)
	}
	return nil
}

// Recover clears stale in-flight claims left by a crashed process.
// Called once at startup, before the first drain.
func (q *Queue) Recover(ctx context.Context) error {
	n, err := q.store.ReleaseAllInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight entries: %w", err)
	}
	if n > 0 {
		q.logger.Printf("Recovered %d stale in-flight entries", n)
	}
	return nil
}

// Pending returns the number of entries waiting in the queue.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.store.CountPendingChanges(ctx)
}

// DeadLetters returns the abandoned entries, newest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]feed.DeadLetter, error) {
	return q.store.ListDeadLetters(ctx)
}

// RequeueDeadLetter moves a dead letter back into the queue with a fresh
// attempt counter.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	return q.store.RequeueDeadLetter(ctx, id, q.now().UTC())
}

// backoffDelay computes base * 2^(attempts-1), capped.
func (q *Queue) backoffDelay(attempts int) time.Duration {
	delay := q.config.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.config.BackoffCap {
			return q.config.BackoffCap
		}
	}
	if delay > q.config.BackoffCap {
		return q.config.BackoffCap
	}
	return delay
}
