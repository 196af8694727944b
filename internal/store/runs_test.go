package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
)

func testRun(syncID string, started time.Time) *feed.SyncRun {
	return &feed.SyncRun{
		SyncID:          syncID,
		Mode:            feed.ModeIncremental,
		Stage:           feed.StagePending,
		ProgressPercent: 0,
		StartedAt:       started,
	}
}

func TestUpsertAndGetSyncRun(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := testRun("sync-1", started)
	if err := st.UpsertSyncRun(ctx, run); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	run.Stage = feed.StagePulling
	run.ProgressPercent = 25
	run.Message = "pulled 2 pages"
	if err := st.UpsertSyncRun(ctx, run); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	got, err := st.GetSyncRun(ctx, "sync-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Stage != feed.StagePulling {
		t.Errorf("expected stage pulling, got %s", got.Stage)
	}
	if got.ProgressPercent != 25 {
		t.Errorf("expected 25%%, got %d", got.ProgressPercent)
	}
	if got.Message != "pulled 2 pages" {
		t.Errorf("expected message preserved, got %q", got.Message)
	}
}

func TestUpsertSyncRunProgressNeverRegresses(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := testRun("sync-1", started)
	run.ProgressPercent = 60
	if err := st.UpsertSyncRun(ctx, run); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// A stale write with lower progress must not move the bar backward.
	run.ProgressPercent = 40
	if err := st.UpsertSyncRun(ctx, run); err != nil {
		t.Fatalf("stale upsert failed: %v", err)
	}

	got, err := st.GetSyncRun(ctx, "sync-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ProgressPercent != 60 {
		t.Errorf("progress regressed: expected 60, got %d", got.ProgressPercent)
	}
}

func TestGetSyncRunNotFound(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.GetSyncRun(context.Background(), "never-issued")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLatestSyncRun(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := st.UpsertSyncRun(ctx, testRun("sync-old", base)); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := st.UpsertSyncRun(ctx, testRun("sync-new", base.Add(time.Hour))); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := st.LatestSyncRun(ctx)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if got.SyncID != "sync-new" {
		t.Errorf("expected sync-new, got %s", got.SyncID)
	}
}

func TestPurgeSyncRunsKeepsActiveRuns(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	done := testRun("sync-done", base)
	done.Stage = feed.StageCompleted
	done.ProgressPercent = 100
	completedAt := base.Add(time.Minute)
	done.CompletedAt = &completedAt
	if err := st.UpsertSyncRun(ctx, done); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	active := testRun("sync-active", base)
	if err := st.UpsertSyncRun(ctx, active); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	purged, err := st.PurgeSyncRuns(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged run, got %d", purged)
	}

	if _, err := st.GetSyncRun(ctx, "sync-done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected purged run to be gone, got %v", err)
	}
	if _, err := st.GetSyncRun(ctx, "sync-active"); err != nil {
		t.Errorf("active run must survive purge: %v", err)
	}
}

func TestRateBudgetRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.LoadRateBudget(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on fresh database, got %v", err)
	}

	b := feed.RateBudget{
		WindowStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Used:        42,
		Limit:       250,
		ResetAfter:  6 * time.Hour,
	}
	if err := st.SaveRateBudget(ctx, b); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := st.LoadRateBudget(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.Used != 42 || got.Limit != 250 {
		t.Errorf("expected used=42 limit=250, got used=%d limit=%d", got.Used, got.Limit)
	}
	if !got.WindowStart.Equal(b.WindowStart) {
		t.Errorf("expected window start %v, got %v", b.WindowStart, got.WindowStart)
	}
	if got.ResetAfter != 6*time.Hour {
		t.Errorf("expected reset after 6h, got %v", got.ResetAfter)
	}

	// Second save overwrites the single ledger row.
	b.Used = 43
	if err := st.SaveRateBudget(ctx, b); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	got, err = st.LoadRateBudget(ctx)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got.Used != 43 {
		t.Errorf("expected used=43 after overwrite, got %d", got.Used)
	}
}

func TestWatermarks(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	got, err := st.Watermark(ctx, WatermarkIncrementalPull)
	if err != nil {
		t.Fatalf("watermark read failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil watermark on fresh database, got %v", got)
	}

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := st.SetWatermark(ctx, WatermarkIncrementalPull, ts); err != nil {
		t.Fatalf("set watermark failed: %v", err)
	}

	got, err = st.Watermark(ctx, WatermarkIncrementalPull)
	if err != nil {
		t.Fatalf("watermark read failed: %v", err)
	}
	if got == nil || !got.Equal(ts) {
		t.Errorf("expected watermark %v, got %v", ts, got)
	}

	// Independent names do not interfere.
	if got, err := st.Watermark(ctx, WatermarkFullPull); err != nil || got != nil {
		t.Errorf("full pull watermark should still be unset, got %v err %v", got, err)
	}
}
