// Package ratelimit tracks the call budget for the upstream service.
//
// The budget is an explicit ledger injected into pull and push sync
// rather than a package-level singleton, so it is independently testable
// and swappable per test. It is persisted through the store so a process
// restart does not reset the ledger to a falsely-full budget, and it is
// reconciled against the authoritative counters the upstream service
// returns in response headers.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
	"github.com/rsstools/feedsyncd/internal/store"
)

// ErrBudgetExhausted signals that a reservation would exceed the window
// limit. The orchestrator defers the remainder of the cycle on this
// error instead of failing the run.
var ErrBudgetExhausted = errors.New("rate budget exhausted")

// Config holds the default window parameters used until the first
// upstream reconciliation.
type Config struct {
	// Limit is the number of calls allowed per window.
	Limit int

	// Window is the accounting window length.
	Window time.Duration

	// Logger for budget activity.
	Logger *log.Logger

	// Now overrides the time source. Nil means time.Now. The window
	// start is seeded from this clock, so tests that inject a fixed
	// epoch get a ledger anchored to it.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Limit:  250,
		Window: 24 * time.Hour,
		Logger: log.New(os.Stderr, "[ratelimit] ", log.LstdFlags),
	}
}

// Budget is the call-consumption ledger for the current window.
// Reads may be concurrent; writes are serialized by the internal mutex.
type Budget struct {
	mu      sync.Mutex
	current feed.RateBudget

	store  *store.Store // nil disables persistence (tests)
	config *Config
	logger *log.Logger
	now    func() time.Time
}

// New creates a budget, restoring the persisted ledger when one exists.
func New(ctx context.Context, st *store.Store, config *Config) (*Budget, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[ratelimit] ", log.LstdFlags)
	}

	b := &Budget{
		store:  st,
		config: config,
		logger: config.Logger,
		now:    time.Now,
	}
	if config.Now != nil {
		b.now = config.Now
	}

	if st != nil {
		saved, err := st.LoadRateBudget(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to restore rate budget: %w", err)
		}
		if saved != nil {
			b.current = *saved
			return b, nil
		}
	}

	b.current = feed.RateBudget{
		WindowStart: b.now().UTC(),
		Limit:       config.Limit,
		ResetAfter:  config.Window,
	}
	return b, nil
}

// Reserve grants n call slots or returns ErrBudgetExhausted without
// consuming anything. Partial grants are never made: a batch either
// fits the budget or is deferred whole.
func (b *Budget) Reserve(ctx context.Context, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rolloverLocked()

	if b.current.Used+n > b.current.Limit {
		return fmt.Errorf("%w: used %d of %d, requested %d",
			ErrBudgetExhausted, b.current.Used, b.current.Limit, n)
	}

	b.current.Used += n
	return b.persistLocked(ctx)
}

// ReconcileUpstream adopts the authoritative counters returned by the
// upstream service. Local accounting only approximates upstream's; the
// headers are the source of truth.
func (b *Budget) ReconcileUpstream(ctx context.Context, used, limit int, resetAfter time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit > 0 {
		b.current.Limit = limit
	}
	if used >= 0 {
		b.current.Used = used
	}
	if resetAfter > 0 {
		b.current.ResetAfter = resetAfter
		b.current.WindowStart = b.now().UTC()
	}

	return b.persistLocked(ctx)
}

// Snapshot returns a copy of the current ledger.
func (b *Budget) Snapshot() feed.RateBudget {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rolloverLocked()
	return b.current
}

// rolloverLocked resets the window when its reset time has passed.
// Caller must hold the mutex.
func (b *Budget) rolloverLocked() {
	if b.current.ResetAfter <= 0 {
		return
	}
	now := b.now().UTC()
	if now.Sub(b.current.WindowStart) >= b.current.ResetAfter {
		b.logger.Printf("Rate window rolled over (used %d of %d)", b.current.Used, b.current.Limit)
		b.current.WindowStart = now
		b.current.Used = 0
	}
}

// persistLocked writes the ledger through to the store.
// Caller must hold the mutex.
func (b *Budget) persistLocked(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	if err := b.store.SaveRateBudget(ctx, b.current); err != nil {
		return fmt.Errorf("failed to persist rate budget: %w", err)
	}
	return nil
}
