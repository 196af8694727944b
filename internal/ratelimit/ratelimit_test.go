package ratelimit

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/rsstools/feedsyncd/internal/store"
)

func testConfig(limit int, window time.Duration) *Config {
	return &Config{
		Limit:  limit,
		Window: window,
		Logger: log.New(io.Discard, "", 0),
	}
}

// setupTestBudget creates a budget with no persistence and a fixed
// clock injected at construction, so the window start is anchored to
// the fake epoch rather than the wall clock.
func setupTestBudget(t *testing.T, limit int, window time.Duration) (*Budget, *time.Time) {
	t.Helper()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := &now

	cfg := testConfig(limit, window)
	cfg.Now = func() time.Time { return *clock }

	b, err := New(context.Background(), nil, cfg)
	if err != nil {
		t.Fatalf("failed to create budget: %v", err)
	}
	return b, clock
}

func TestReserveWithinLimit(t *testing.T) {
	b, _ := setupTestBudget(t, 5, 24*time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.Reserve(ctx, 1); err != nil {
			t.Fatalf("reserve %d failed: %v", i, err)
		}
	}

	snap := b.Snapshot()
	if snap.Used != 5 {
		t.Errorf("expected 5 used, got %d", snap.Used)
	}
	if snap.Remaining() != 0 {
		t.Errorf("expected 0 remaining, got %d", snap.Remaining())
	}
}

func TestReserveBeyondLimitIsAllOrNothing(t *testing.T) {
	b, _ := setupTestBudget(t, 5, 24*time.Hour)
	ctx := context.Background()

	if err := b.Reserve(ctx, 4); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// 2 more would exceed; nothing may be consumed.
	err := b.Reserve(ctx, 2)
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if got := b.Snapshot().Used; got != 4 {
		t.Errorf("failed reservation must not consume budget, used=%d", got)
	}

	// A smaller reservation that fits still succeeds.
	if err := b.Reserve(ctx, 1); err != nil {
		t.Fatalf("fitting reserve failed: %v", err)
	}
}

func TestWindowAnchoredToInjectedClock(t *testing.T) {
	b, clock := setupTestBudget(t, 3, time.Hour)

	// A fresh ledger starts its window at the injected clock's epoch,
	// not the wall clock. Rollover arithmetic depends on this: a window
	// seeded from real time would never elapse against a fixed past
	// clock.
	snap := b.Snapshot()
	if !snap.WindowStart.Equal(*clock) {
		t.Errorf("expected window start %v, got %v", *clock, snap.WindowStart)
	}
}

func TestWindowRollover(t *testing.T) {
	b, clock := setupTestBudget(t, 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Reserve(ctx, 1); err != nil {
			t.Fatalf("reserve failed: %v", err)
		}
	}
	if err := b.Reserve(ctx, 1); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	// Window passes: budget resets.
	*clock = clock.Add(time.Hour + time.Second)
	if err := b.Reserve(ctx, 1); err != nil {
		t.Fatalf("reserve after rollover failed: %v", err)
	}
	snap := b.Snapshot()
	if snap.Used != 1 {
		t.Errorf("expected 1 used after rollover, got %d", snap.Used)
	}
}

func TestReconcileUpstreamIsAuthoritative(t *testing.T) {
	b, _ := setupTestBudget(t, 250, 24*time.Hour)
	ctx := context.Background()

	if err := b.Reserve(ctx, 3); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// Upstream says we're further along than local accounting thought.
	if err := b.ReconcileUpstream(ctx, 100, 200, 6*time.Hour); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	snap := b.Snapshot()
	if snap.Used != 100 {
		t.Errorf("expected upstream used=100 adopted, got %d", snap.Used)
	}
	if snap.Limit != 200 {
		t.Errorf("expected upstream limit=200 adopted, got %d", snap.Limit)
	}
	if snap.ResetAfter != 6*time.Hour {
		t.Errorf("expected reset after 6h, got %v", snap.ResetAfter)
	}
}

func TestReconcileIgnoresUnparsableCounters(t *testing.T) {
	b, _ := setupTestBudget(t, 250, 24*time.Hour)
	ctx := context.Background()

	if err := b.Reserve(ctx, 3); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// -1 marks headers that were missing or malformed.
	if err := b.ReconcileUpstream(ctx, -1, -1, 0); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	snap := b.Snapshot()
	if snap.Used != 3 {
		t.Errorf("unparsable counters must not clobber ledger, used=%d", snap.Used)
	}
	if snap.Limit != 250 {
		t.Errorf("unparsable counters must not clobber limit, limit=%d", snap.Limit)
	}
}

func TestBudgetSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	ctx := context.Background()
	b, err := New(ctx, st, testConfig(250, 24*time.Hour))
	if err != nil {
		t.Fatalf("failed to create budget: %v", err)
	}
	if err := b.Reserve(ctx, 7); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// A new budget over the same store must pick up the used count,
	// not reset to a falsely-full window.
	restored, err := New(ctx, st, testConfig(250, 24*time.Hour))
	if err != nil {
		t.Fatalf("failed to restore budget: %v", err)
	}
	if got := restored.Snapshot().Used; got != 7 {
		t.Errorf("expected persisted used=7 after restart, got %d", got)
	}
}
