package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
	"github.com/rsstools/feedsyncd/internal/progress"
	"github.com/rsstools/feedsyncd/internal/queue"
	"github.com/rsstools/feedsyncd/internal/ratelimit"
	"github.com/rsstools/feedsyncd/internal/store"
	"github.com/rsstools/feedsyncd/internal/upstream"
)

// fakeClient is a scripted upstream.Client. List calls consume queued
// pages; push behavior is pluggable per test.
type fakeClient struct {
	mu sync.Mutex

	pages    []upstream.ItemsPage
	listErr  error
	listGate chan struct{} // when set, List blocks until closed

	pushFn     func(batch []upstream.Change) (*upstream.PushResult, error)
	listCalls  int
	pushCalls  int
	pushedSets [][]upstream.Change
}

func (f *fakeClient) ListChangedItems(ctx context.Context, opts upstream.ListOptions) (*upstream.ItemsPage, error) {
	f.mu.Lock()
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.pages) == 0 {
		return &upstream.ItemsPage{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return &page, nil
}

func (f *fakeClient) PushStateChanges(ctx context.Context, batch []upstream.Change) (*upstream.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pushCalls++
	f.pushedSets = append(f.pushedSets, batch)
	if f.pushFn != nil {
		return f.pushFn(batch)
	}

	// Default: accept everything.
	result := &upstream.PushResult{}
	for _, ch := range batch {
		result.Accepted = append(result.Accepted, ch.ItemUpstreamID)
	}
	return result, nil
}

// acceptAll returns a push handler accepting every change.
func acceptAll(batch []upstream.Change) (*upstream.PushResult, error) {
	result := &upstream.PushResult{}
	for _, ch := range batch {
		result.Accepted = append(result.Accepted, ch.ItemUpstreamID)
	}
	return result, nil
}

type testEnv struct {
	store  *store.Store
	queue  *queue.Queue
	budget *ratelimit.Budget
	client *fakeClient
	engine *Engine
}

// setupTestEngine wires an engine over a temporary database and the
// given fake client.
func setupTestEngine(t *testing.T, client *fakeClient, cfg *Config) *testEnv {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	discard := log.New(io.Discard, "", 0)

	q := queue.New(st, &queue.Config{
		BackoffBase: 30 * time.Second,
		BackoffCap:  time.Hour,
		MaxAttempts: 8,
		Logger:      discard,
	})

	budget, err := ratelimit.New(context.Background(), nil, &ratelimit.Config{
		Limit:  250,
		Window: 24 * time.Hour,
		Logger: discard,
	})
	if err != nil {
		t.Fatalf("failed to create budget: %v", err)
	}

	tracker := progress.New(st, &progress.Config{
		Retention:  24 * time.Hour,
		Grace:      time.Minute,
		PrimaryCap: 64,
		Logger:     discard,
	})

	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Logger = discard

	eng, err := New(st, q, budget, client, tracker, cfg)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	return &testEnv{store: st, queue: q, budget: budget, client: client, engine: eng}
}

// markFullPullFresh sets the full-pull watermark so incremental runs
// stay incremental.
func markFullPullFresh(t *testing.T, st *store.Store) {
	t.Helper()
	if err := st.SetWatermark(context.Background(), store.WatermarkFullPull, time.Now().UTC()); err != nil {
		t.Fatalf("failed to set full-pull watermark: %v", err)
	}
}

// waitTerminal polls until the run reaches a terminal stage.
func waitTerminal(t *testing.T, eng *Engine, syncID string) *feed.SyncRun {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := eng.Status(context.Background(), syncID)
		if err == nil && run.Stage.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal stage", syncID)
	return nil
}

func remoteItem(id string, isRead, isStarred bool, updated time.Time) feed.RemoteItem {
	return feed.RemoteItem{
		UpstreamID: id,
		Title:      "Article " + id,
		FeedTitle:  "Feed",
		URL:        "https://example.com/" + id,
		IsRead:     isRead,
		IsStarred:  isStarred,
		UpdatedAt:  updated,
	}
}

func TestSyncCycleHappyPath(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{
		pages: []upstream.ItemsPage{
			{
				Items:      []feed.RemoteItem{remoteItem("a", false, false, now)},
				NextCursor: "p2",
			},
			{
				Items: []feed.RemoteItem{remoteItem("b", true, false, now)},
			},
		},
	}

	env := setupTestEngine(t, client, nil)
	markFullPullFresh(t, env.store)
	ctx := context.Background()

	// A local change queued before the cycle.
	if err := env.store.InsertRemoteItem(ctx, &feed.RemoteItem{UpstreamID: "c", UpdatedAt: now.Add(-time.Hour)}, now.Add(-time.Hour)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := env.engine.EnqueueLocalChange(ctx, "c", feed.ActionRead); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	syncID, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	run := waitTerminal(t, env.engine, syncID)
	if run.Stage != feed.StageCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Stage, run.ErrorDetail)
	}
	if run.ProgressPercent != 100 {
		t.Errorf("expected 100%%, got %d", run.ProgressPercent)
	}

	// Both pages pulled into the cache.
	for _, id := range []string{"a", "b"} {
		if _, err := env.store.GetItem(id); err != nil {
			t.Errorf("expected item %s in cache: %v", id, err)
		}
	}

	// The local change was pushed and acked.
	pending, err := env.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected empty queue after push, got %d", pending)
	}
	if client.pushCalls != 1 {
		t.Errorf("expected 1 push call, got %d", client.pushCalls)
	}

	// Watermark advanced.
	wm, err := env.store.Watermark(ctx, store.WatermarkIncrementalPull)
	if err != nil {
		t.Fatalf("watermark failed: %v", err)
	}
	if wm == nil {
		t.Error("expected incremental watermark after completed pull")
	}
}

func TestFirstRunUpgradesToFullPull(t *testing.T) {
	client := &fakeClient{}
	env := setupTestEngine(t, client, nil)
	ctx := context.Background()

	// No full-pull watermark exists yet, so an incremental trigger must
	// self-heal with a full pull and record the watermark.
	syncID, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	run := waitTerminal(t, env.engine, syncID)
	if run.Stage != feed.StageCompleted {
		t.Fatalf("expected completed, got %s", run.Stage)
	}

	wm, err := env.store.Watermark(ctx, store.WatermarkFullPull)
	if err != nil {
		t.Fatalf("watermark failed: %v", err)
	}
	if wm == nil {
		t.Error("expected full-pull watermark after first run")
	}
}

func TestTriggerWhileActiveCoalesces(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{listGate: gate}
	env := setupTestEngine(t, client, nil)
	markFullPullFresh(t, env.store)
	ctx := context.Background()

	first, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	// While the run is blocked in pull, further triggers coalesce.
	second, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("second trigger failed: %v", err)
	}
	if second != first {
		t.Errorf("expected coalesced trigger to return %s, got %s", first, second)
	}

	close(gate)
	waitTerminal(t, env.engine, first)
}

func TestQueuedPolicyStartsFollowUpRun(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{listGate: gate}
	cfg := DefaultConfig()
	cfg.TriggerPolicy = PolicyQueued

	env := setupTestEngine(t, client, cfg)
	markFullPullFresh(t, env.store)
	ctx := context.Background()

	first, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	second, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("second trigger failed: %v", err)
	}
	if second == first {
		t.Fatal("queued policy must issue a distinct run id")
	}

	// A third trigger coalesces into the queued run.
	third, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("third trigger failed: %v", err)
	}
	if third != second {
		t.Errorf("expected coalescing into queued run %s, got %s", second, third)
	}

	close(gate)
	if run := waitTerminal(t, env.engine, first); run.Stage != feed.StageCompleted {
		t.Errorf("first run: expected completed, got %s", run.Stage)
	}
	if run := waitTerminal(t, env.engine, second); run.Stage != feed.StageCompleted {
		t.Errorf("queued run: expected completed, got %s", run.Stage)
	}
}

func TestCancelActiveFailsRunAtStageBoundary(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{listGate: gate}
	env := setupTestEngine(t, client, nil)
	markFullPullFresh(t, env.store)
	ctx := context.Background()

	syncID, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	if !env.engine.CancelActive() {
		t.Fatal("expected active run to accept cancellation")
	}
	close(gate)

	run := waitTerminal(t, env.engine, syncID)
	if run.Stage != feed.StageFailed {
		t.Fatalf("expected failed after cancel, got %s", run.Stage)
	}
	if run.ErrorDetail == "" {
		t.Error("expected cancellation recorded in error detail")
	}

	// The orchestrator survives for the next trigger.
	if env.engine.ActiveRunID() != "" {
		t.Error("expected no active run after cancellation")
	}
}

func TestPushRejectionRetriesOnlyRejectedEntry(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{
		pushFn: func(batch []upstream.Change) (*upstream.PushResult, error) {
			result := &upstream.PushResult{}
			for _, ch := range batch {
				if ch.ItemUpstreamID == "bad" {
					result.Rejected = append(result.Rejected, upstream.Rejection{
						ItemUpstreamID: "bad",
						Reason:         "item deleted upstream",
					})
					continue
				}
				result.Accepted = append(result.Accepted, ch.ItemUpstreamID)
			}
			return result, nil
		},
	}

	env := setupTestEngine(t, client, nil)
	markFullPullFresh(t, env.store)
	ctx := context.Background()

	for _, id := range []string{"good", "bad"} {
		if err := env.store.InsertRemoteItem(ctx, &feed.RemoteItem{UpstreamID: id, UpdatedAt: now.Add(-time.Hour)}, now.Add(-time.Hour)); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		if _, err := env.engine.EnqueueLocalChange(ctx, id, feed.ActionRead); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	syncID, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	// A partial rejection must not fail the run.
	run := waitTerminal(t, env.engine, syncID)
	if run.Stage != feed.StageCompleted {
		t.Fatalf("expected completed despite rejection, got %s (%s)", run.Stage, run.ErrorDetail)
	}

	// The accepted entry is gone; the rejected one is retrying.
	entries, err := env.store.ListChanges(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the rejected entry queued, got %d", len(entries))
	}
	if entries[0].ItemUpstreamID != "bad" {
		t.Errorf("expected bad entry retained, got %s", entries[0].ItemUpstreamID)
	}
	if entries[0].Attempts != 1 {
		t.Errorf("expected 1 attempt recorded, got %d", entries[0].Attempts)
	}
}

func TestRateBudgetExhaustionDefersPushWithoutFailing(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{pushFn: acceptAll}
	env := setupTestEngine(t, client, nil)
	markFullPullFresh(t, env.store)
	ctx := context.Background()

	// Budget of exactly 1: the pull consumes it, the push must defer.
	if err := env.budget.ReconcileUpstream(ctx, 0, 1, 24*time.Hour); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if err := env.store.InsertRemoteItem(ctx, &feed.RemoteItem{UpstreamID: "a", UpdatedAt: now.Add(-time.Hour)}, now.Add(-time.Hour)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := env.engine.EnqueueLocalChange(ctx, "a", feed.ActionStar); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	syncID, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	run := waitTerminal(t, env.engine, syncID)
	if run.Stage != feed.StageCompleted {
		t.Fatalf("budget exhaustion must not fail the run, got %s (%s)", run.Stage, run.ErrorDetail)
	}
	if !strings.Contains(run.Message, "deferred") {
		t.Errorf("expected a deferred-work note on the completed run, got %q", run.Message)
	}
	if client.pushCalls != 0 {
		t.Errorf("push must not reach upstream without budget, got %d calls", client.pushCalls)
	}

	// The deferred entry is intact with no attempt burned.
	entries, err := env.store.ListChanges(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected deferred entry still queued, got %d", len(entries))
	}
	if entries[0].Attempts != 0 {
		t.Errorf("deferral must not count an attempt, got %d", entries[0].Attempts)
	}
	if entries[0].InFlight {
		t.Error("deferred entry must not stay claimed")
	}
}

func TestPushBudgetChargesPerCallNotPerEntry(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{pushFn: acceptAll}
	env := setupTestEngine(t, client, nil)
	markFullPullFresh(t, env.store)
	ctx := context.Background()

	// Budget of 2: one slot for the pull page, one for the push call.
	// Five same-action entries fit a single batch, so the run must
	// complete on that last slot. Charging per entry would need five
	// slots and wrongly defer the push.
	if err := env.budget.ReconcileUpstream(ctx, 0, 2, 24*time.Hour); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := env.store.InsertRemoteItem(ctx, &feed.RemoteItem{UpstreamID: id, UpdatedAt: now.Add(-time.Hour)}, now.Add(-time.Hour)); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		if _, err := env.engine.EnqueueLocalChange(ctx, id, feed.ActionRead); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	syncID, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	run := waitTerminal(t, env.engine, syncID)
	if run.Stage != feed.StageCompleted {
		t.Fatalf("expected completed run, got %s (%s)", run.Stage, run.ErrorDetail)
	}
	if strings.Contains(run.Message, "deferred") {
		t.Errorf("push must not defer with a slot left for the batch, got %q", run.Message)
	}
	if client.pushCalls != 1 {
		t.Fatalf("expected 1 batched push call, got %d", client.pushCalls)
	}
	if len(client.pushedSets[0]) != 5 {
		t.Errorf("expected all 5 entries in one batch, got %d", len(client.pushedSets[0]))
	}

	pending, err := env.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected empty queue after push, got %d pending", pending)
	}
}

func TestBatchPushFailureFailsRunButPreservesQueue(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{
		pushFn: func(batch []upstream.Change) (*upstream.PushResult, error) {
			return nil, &upstream.TransientError{Op: "POST /v1/items/state", Err: errors.New("connection reset")}
		},
	}
	env := setupTestEngine(t, client, nil)
	markFullPullFresh(t, env.store)
	ctx := context.Background()

	if err := env.store.InsertRemoteItem(ctx, &feed.RemoteItem{UpstreamID: "a", UpdatedAt: now.Add(-time.Hour)}, now.Add(-time.Hour)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := env.engine.EnqueueLocalChange(ctx, "a", feed.ActionRead); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	syncID, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	run := waitTerminal(t, env.engine, syncID)
	if run.Stage != feed.StageFailed {
		t.Fatalf("expected failed run on batch push failure, got %s", run.Stage)
	}

	// The entry survives with one attempt and a scheduled retry.
	entries, err := env.store.ListChanges(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected entry preserved, got %d", len(entries))
	}
	if entries[0].Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", entries[0].Attempts)
	}
	if !entries[0].NextAttemptAt.After(now) {
		t.Errorf("expected backoff scheduled, next attempt %v", entries[0].NextAttemptAt)
	}
}

func TestPullConflictLocalWinsReassertsUpstream(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	localTS := base.Add(30 * time.Minute)

	// Remote reports an older unread state than the local read action.
	client := &fakeClient{
		pages: []upstream.ItemsPage{
			{Items: []feed.RemoteItem{remoteItem("a", false, false, base)}},
		},
		pushFn: acceptAll,
	}
	env := setupTestEngine(t, client, nil)
	markFullPullFresh(t, env.store)
	ctx := context.Background()

	if err := env.store.InsertRemoteItem(ctx, &feed.RemoteItem{UpstreamID: "a", UpdatedAt: base}, base); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := env.store.ApplyLocalAction(ctx, "a", feed.ActionRead, localTS); err != nil {
		t.Fatalf("local action failed: %v", err)
	}

	syncID, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	run := waitTerminal(t, env.engine, syncID)
	if run.Stage != feed.StageCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Stage, run.ErrorDetail)
	}

	// Local read flag survived the pull.
	item, err := env.store.GetItem("a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !item.IsRead {
		t.Error("newer local read state must win over older remote state")
	}

	// The winning action was re-asserted upstream in the push stage.
	client.mu.Lock()
	defer client.mu.Unlock()
	found := false
	for _, batch := range client.pushedSets {
		for _, ch := range batch {
			if ch.ItemUpstreamID == "a" && ch.Action == feed.ActionRead {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected read action re-pushed after local win")
	}
}

func TestPullConflictRemoteWins(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	remoteTS := base.Add(30 * time.Minute)

	client := &fakeClient{
		pages: []upstream.ItemsPage{
			{Items: []feed.RemoteItem{remoteItem("a", true, true, remoteTS)}},
		},
	}
	env := setupTestEngine(t, client, nil)
	markFullPullFresh(t, env.store)
	ctx := context.Background()

	if err := env.store.InsertRemoteItem(ctx, &feed.RemoteItem{UpstreamID: "a", UpdatedAt: base}, base); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := env.store.ApplyLocalAction(ctx, "a", feed.ActionUnread, base); err != nil {
		t.Fatalf("local action failed: %v", err)
	}

	syncID, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	run := waitTerminal(t, env.engine, syncID)
	if run.Stage != feed.StageCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Stage, run.ErrorDetail)
	}

	item, err := env.store.GetItem("a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !item.IsRead || !item.IsStarred {
		t.Errorf("newer remote state must win, got read=%v starred=%v", item.IsRead, item.IsStarred)
	}
}

func TestEnqueueLocalChangeIsSynchronous(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{}
	env := setupTestEngine(t, client, nil)
	ctx := context.Background()

	if err := env.store.InsertRemoteItem(ctx, &feed.RemoteItem{UpstreamID: "a", UpdatedAt: now}, now); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	entry, err := env.engine.EnqueueLocalChange(ctx, "a", feed.ActionStar)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("expected entry id")
	}

	// The flag flipped locally and the queue grew before any network
	// activity happened.
	item, err := env.store.GetItem("a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !item.IsStarred {
		t.Error("expected star applied locally")
	}
	if client.listCalls != 0 || client.pushCalls != 0 {
		t.Error("local action must not touch the network")
	}
}

func TestPushBatchesRespectConfiguredSize(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{pushFn: acceptAll}
	cfg := DefaultConfig()
	cfg.PushBatchSize = 2

	env := setupTestEngine(t, client, cfg)
	markFullPullFresh(t, env.store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("item-%d", i)
		if err := env.store.InsertRemoteItem(ctx, &feed.RemoteItem{UpstreamID: id, UpdatedAt: now.Add(-time.Hour)}, now.Add(-time.Hour)); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		if _, err := env.engine.EnqueueLocalChange(ctx, id, feed.ActionRead); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	syncID, err := env.engine.TriggerSync(ctx, feed.ModeIncremental)
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	run := waitTerminal(t, env.engine, syncID)
	if run.Stage != feed.StageCompleted {
		t.Fatalf("expected completed, got %s", run.Stage)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.pushCalls != 3 {
		t.Errorf("expected 3 push batches for 5 entries at size 2, got %d", client.pushCalls)
	}
	for i, batch := range client.pushedSets {
		if len(batch) > 2 {
			t.Errorf("batch %d exceeds configured size: %d entries", i, len(batch))
		}
	}

	pending, err := env.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected empty queue, got %d", pending)
	}
}
