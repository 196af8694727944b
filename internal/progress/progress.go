// Package progress implements the dual-write status store for sync runs.
//
// Every update is written to a fast in-memory primary (keyed by sync ID)
// and mirrored to the durable store fallback, because the process serving
// a status read may not be the instance that started the run. Readers
// check the primary first and fall back to the durable store on miss.
//
// Both stores apply the same cleanup policy: terminal runs are retained
// for a fixed window past completion and then purged, with deletion
// delayed by a grace period even for the primary, so a client polling at
// the exact moment of completion never races into a not-found.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
	"github.com/rsstools/feedsyncd/internal/store"
)

// ErrNotFound is returned when a sync run is unknown to both stores.
var ErrNotFound = errors.New("sync run not found")

// Config holds the tracker's retention policy.
type Config struct {
	// Retention is how long terminal runs stay readable after completion.
	Retention time.Duration

	// Grace is the minimum time a terminal run stays in the primary
	// after completion, regardless of eviction pressure.
	Grace time.Duration

	// PrimaryCap bounds the number of runs held in memory; oldest
	// terminal runs past the grace period are evicted first (0 = no cap).
	PrimaryCap int

	// Logger for tracker activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Retention:  24 * time.Hour,
		Grace:      60 * time.Second,
		PrimaryCap: 256,
		Logger:     log.New(os.Stderr, "[progress] ", log.LstdFlags),
	}
}

// Listener receives a copy of every published update.
type Listener func(run *feed.SyncRun)

// Tracker is the dual-write status store.
type Tracker struct {
	mu      sync.RWMutex
	primary map[string]*feed.SyncRun

	store  *store.Store
	config *Config
	logger *log.Logger
	now    func() time.Time

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates a tracker over the given durable fallback store.
func New(st *store.Store, config *Config) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[progress] ", log.LstdFlags)
	}
	return &Tracker{
		primary: make(map[string]*feed.SyncRun),
		store:   st,
		config:  config,
		logger:  config.Logger,
		now:     time.Now,
	}
}

// SetClock overrides the tracker's time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Subscribe registers a listener notified on every published update.
// Listeners are invoked synchronously and must not block.
func (t *Tracker) Subscribe(l Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Publish writes a status update to both stores. Progress is clamped to
// be monotonically non-decreasing within a run, and terminal stages are
// never overwritten by a late out-of-order update.
func (t *Tracker) Publish(ctx context.Context, run *feed.SyncRun) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid progress update: %w", err)
	}

	update := run.Clone()

	t.mu.Lock()
	if prev, ok := t.primary[update.SyncID]; ok {
		if prev.Stage.Terminal() && !update.Stage.Terminal() {
			t.mu.Unlock()
			return fmt.Errorf("run %s is already terminal (%s)", update.SyncID, prev.Stage)
		}
		if update.ProgressPercent < prev.ProgressPercent {
			update.ProgressPercent = prev.ProgressPercent
		}
	}
	t.primary[update.SyncID] = update
	t.compactLocked()
	t.mu.Unlock()

	if err := t.store.UpsertSyncRun(ctx, update); err != nil {
		// The primary already has the update; a fallback write failure
		// degrades durability, not liveness.
		t.logger.Printf("Warning: fallback status write failed for %s: %v", update.SyncID, err)
	}

	t.notify(update)
	return nil
}

// Get returns the current status of a run, primary first, falling back
// to the durable store on miss.
func (t *Tracker) Get(ctx context.Context, syncID string) (*feed.SyncRun, error) {
	t.mu.RLock()
	run, ok := t.primary[syncID]
	t.mu.RUnlock()
	if ok {
		return run.Clone(), nil
	}

	fallback, err := t.store.GetSyncRun(ctx, syncID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback status: %w", err)
	}
	return fallback, nil
}

// Sweep purges terminal runs past the retention window from both stores.
func (t *Tracker) Sweep(ctx context.Context) error {
	cutoff := t.now().UTC().Add(-t.config.Retention)

	t.mu.Lock()
	for id, run := range t.primary {
		if run.Stage.Terminal() && run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
			delete(t.primary, id)
		}
	}
	t.mu.Unlock()

	n, err := t.store.PurgeSyncRuns(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge fallback status: %w", err)
	}
	if n > 0 {
		t.logger.Printf("Purged %d expired sync runs", n)
	}
	return nil
}

// RunJanitor sweeps on the given interval until the context is cancelled.
func (t *Tracker) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Sweep(ctx); err != nil {
				t.logger.Printf("Sweep error: %v", err)
			}
		}
	}
}

// compactLocked evicts the oldest terminal runs beyond the primary cap.
// Runs still inside the grace period are never evicted, so a poller at
// the moment of completion always finds the record. Caller must hold
// the write lock.
func (t *Tracker) compactLocked() {
	if t.config.PrimaryCap <= 0 || len(t.primary) <= t.config.PrimaryCap {
		return
	}

	graceCutoff := t.now().UTC().Add(-t.config.Grace)

	type candidate struct {
		id          string
		completedAt time.Time
	}
	var evictable []candidate
	for id, run := range t.primary {
		if !run.Stage.Terminal() || run.CompletedAt == nil {
			continue
		}
		if run.CompletedAt.After(graceCutoff) {
			continue
		}
		evictable = append(evictable, candidate{id, *run.CompletedAt})
	}

	sort.Slice(evictable, func(i, j int) bool {
		return evictable[i].completedAt.Before(evictable[j].completedAt)
	})

	excess := len(t.primary) - t.config.PrimaryCap
	for i := 0; i < excess && i < len(evictable); i++ {
		delete(t.primary, evictable[i].id)
	}
}

// notify delivers the update to all listeners.
func (t *Tracker) notify(run *feed.SyncRun) {
	t.listenersMu.RLock()
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.listenersMu.RUnlock()

	for _, l := range listeners {
		l(run.Clone())
	}
}
