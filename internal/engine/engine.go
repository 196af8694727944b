// Package engine implements the sync orchestrator: the periodic and
// user-triggered cycle that pulls remote deltas, resolves conflicts, and
// drains the change queue upstream.
//
// The orchestrator guarantees at most one active sync run at a time.
// Both pull and push touch the same item rows, so a trigger arriving
// while a run is active is either coalesced into the in-flight run or
// queued to start immediately after, per configured policy - never run
// concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rsstools/feedsyncd/internal/feed"
	"github.com/rsstools/feedsyncd/internal/progress"
	"github.com/rsstools/feedsyncd/internal/queue"
	"github.com/rsstools/feedsyncd/internal/ratelimit"
	"github.com/rsstools/feedsyncd/internal/store"
	"github.com/rsstools/feedsyncd/internal/upstream"
)

// TriggerPolicy decides what happens to a trigger that arrives while a
// run is already active.
type TriggerPolicy string

const (
	// PolicyCoalesce returns the in-flight run's ID to the caller.
	PolicyCoalesce TriggerPolicy = "coalesce"

	// PolicyQueued starts one follow-up run after the active one
	// reaches a terminal stage. Further triggers coalesce into the
	// queued run.
	PolicyQueued TriggerPolicy = "queued"
)

// Config holds orchestrator tuning.
type Config struct {
	// Interval is the periodic sync cadence in serve mode.
	Interval time.Duration

	// FullPullEvery is how often an incremental cycle is upgraded to a
	// full pull to self-heal drift from missed deltas.
	FullPullEvery time.Duration

	// PullPageSize caps items per upstream listing call.
	PullPageSize int

	// PushBatchSize caps entries per drain.
	PushBatchSize int

	// PushTimeBudget bounds the pushing stage per cycle (0 = unbounded).
	PushTimeBudget time.Duration

	// TriggerPolicy selects coalesce or queued behavior.
	TriggerPolicy TriggerPolicy

	// ChainFreshness kicks an incremental sync after each enqueued
	// local change.
	ChainFreshness bool

	// JanitorInterval is the status-store cleanup cadence.
	JanitorInterval time.Duration

	// Logger for orchestrator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:        15 * time.Minute,
		FullPullEvery:   7 * 24 * time.Hour,
		PullPageSize:    100,
		PushBatchSize:   50,
		PushTimeBudget:  2 * time.Minute,
		TriggerPolicy:   PolicyCoalesce,
		ChainFreshness:  false,
		JanitorInterval: 5 * time.Minute,
		Logger:          log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// activeRun is the currently executing run plus its cancellation flag.
// The flag is checked cooperatively at stage boundaries; in-flight
// network calls run to completion or timeout.
type activeRun struct {
	run       *feed.SyncRun
	cancelled atomic.Bool
}

// Engine is the sync orchestrator.
type Engine struct {
	store   *store.Store
	queue   *queue.Queue
	budget  *ratelimit.Budget
	client  upstream.Client
	tracker *progress.Tracker

	logger *log.Logger
	now    func() time.Time

	// mu guards config (hot-reloadable tunables), active, and next.
	mu     sync.Mutex
	config *Config
	active *activeRun
	next   *feed.SyncRun

	wg sync.WaitGroup
}

// New creates an engine. All collaborators are required except config,
// which defaults.
func New(st *store.Store, q *queue.Queue, budget *ratelimit.Budget, client upstream.Client, tracker *progress.Tracker, config *Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if budget == nil {
		return nil, fmt.Errorf("rate budget cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("upstream client cannot be nil")
	}
	if tracker == nil {
		return nil, fmt.Errorf("progress tracker cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.JanitorInterval <= 0 {
		config.JanitorInterval = DefaultConfig().JanitorInterval
	}

	return &Engine{
		store:   st,
		queue:   q,
		budget:  budget,
		client:  client,
		tracker: tracker,
		config:  config,
		logger:  config.Logger,
		now:     time.Now,
	}, nil
}

// SetClock overrides the engine's time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// TriggerSync starts a sync run or coalesces into the active one,
// returning the run ID the caller should poll.
func (e *Engine) TriggerSync(ctx context.Context, mode feed.SyncMode) (string, error) {
	if err := mode.Validate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		if e.config.TriggerPolicy == PolicyQueued {
			if e.next != nil {
				return e.next.SyncID, nil
			}
			next := e.newRun(mode)
			if err := e.tracker.Publish(ctx, next); err != nil {
				return "", fmt.Errorf("failed to record queued run: %w", err)
			}
			e.next = next
			return next.SyncID, nil
		}
		return e.active.run.SyncID, nil
	}

	run := e.newRun(mode)
	if err := e.tracker.Publish(ctx, run); err != nil {
		return "", fmt.Errorf("failed to record sync run: %w", err)
	}

	e.startLocked(run)
	return run.SyncID, nil
}

// newRun builds a pending SyncRun.
func (e *Engine) newRun(mode feed.SyncMode) *feed.SyncRun {
	return &feed.SyncRun{
		SyncID:    uuid.NewString(),
		Mode:      mode,
		Stage:     feed.StagePending,
		StartedAt: e.now().UTC(),
	}
}

// startLocked launches the run's worker. Caller must hold mu and have
// verified no run is active.
func (e *Engine) startLocked(run *feed.SyncRun) {
	active := &activeRun{run: run}
	e.active = active

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(active)
	}()
}

// execute drives one run through its stages and then starts the queued
// follow-up, if any.
func (e *Engine) execute(active *activeRun) {
	// The run outlives whatever request triggered it; network calls
	// carry their own timeouts.
	ctx := context.Background()
	run := active.run

	defer func() {
		e.mu.Lock()
		e.active = nil
		next := e.next
		e.next = nil
		if next != nil {
			e.startLocked(next)
		}
		e.mu.Unlock()
	}()

	var notes []string

	e.publish(ctx, run, feed.StagePulling, 5, "pulling remote changes")
	note, err := e.pull(ctx, run)
	if err != nil {
		e.fail(ctx, run, fmt.Errorf("pull stage: %w", err))
		return
	}
	if note != "" {
		notes = append(notes, note)
	}

	if active.cancelled.Load() {
		e.fail(ctx, run, errors.New("sync cancelled"))
		return
	}

	e.publish(ctx, run, feed.StagePushing, 55, "pushing local changes")
	note, err = e.push(ctx, run)
	if err != nil {
		e.fail(ctx, run, fmt.Errorf("push stage: %w", err))
		return
	}
	if note != "" {
		notes = append(notes, note)
	}

	e.complete(ctx, run, notes)
}

// CancelActive requests cooperative cancellation of the active run.
// Returns false when no run is active. The flag is honored at the next
// stage boundary; in-flight network calls run to completion.
func (e *Engine) CancelActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil {
		return false
	}
	e.active.cancelled.Store(true)
	return true
}

// ActiveRunID returns the ID of the running sync, or "".
func (e *Engine) ActiveRunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil {
		return ""
	}
	return e.active.run.SyncID
}

// Status returns the current status of a run from the progress tracker.
func (e *Engine) Status(ctx context.Context, syncID string) (*feed.SyncRun, error) {
	return e.tracker.Get(ctx, syncID)
}

// DeadLetters returns the abandoned queue entries.
func (e *Engine) DeadLetters(ctx context.Context) ([]feed.DeadLetter, error) {
	return e.queue.DeadLetters(ctx)
}

// RequeueDeadLetter moves an abandoned entry back into the change queue
// with a fresh retry budget.
func (e *Engine) RequeueDeadLetter(ctx context.Context, id string) error {
	return e.queue.RequeueDeadLetter(ctx, id)
}

// RateSnapshot reports the current call budget ledger.
func (e *Engine) RateSnapshot() feed.RateBudget {
	return e.budget.Snapshot()
}

// EnqueueLocalChange records a user action: the item flags are mutated
// locally and the change is appended to the queue, both synchronously
// and without network I/O. With ChainFreshness enabled an incremental
// sync is kicked afterwards.
func (e *Engine) EnqueueLocalChange(ctx context.Context, itemUpstreamID string, action feed.Action) (*feed.ChangeEntry, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if err := e.store.ApplyLocalAction(ctx, itemUpstreamID, action, now); err != nil {
		return nil, fmt.Errorf("failed to apply local action: %w", err)
	}

	entry, err := e.queue.Enqueue(ctx, itemUpstreamID, action, now)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	chain := e.config.ChainFreshness
	e.mu.Unlock()
	if chain {
		if _, err := e.TriggerSync(ctx, feed.ModeIncremental); err != nil {
			e.logger.Printf("Warning: chained sync trigger failed: %v", err)
		}
	}

	return entry, nil
}

// Run drives the periodic scheduler until the context is cancelled.
// It recovers stale in-flight queue claims first, then triggers an
// incremental sync on each cadence tick. The status janitor runs
// alongside.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Println("Starting sync scheduler")

	if err := e.queue.Recover(ctx); err != nil {
		return fmt.Errorf("queue recovery failed: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tracker.RunJanitor(ctx, e.janitorInterval())
	}()

	timer := time.NewTimer(e.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Println("Scheduler stopping")
			e.wg.Wait()
			return ctx.Err()

		case <-timer.C:
			if _, err := e.TriggerSync(ctx, feed.ModeIncremental); err != nil {
				e.logger.Printf("Warning: scheduled sync trigger failed: %v", err)
			}
			timer.Reset(e.interval())
		}
	}
}

// Tunables are the config fields safe to change while serving.
type Tunables struct {
	Interval       time.Duration
	FullPullEvery  time.Duration
	PullPageSize   int
	PushBatchSize  int
	PushTimeBudget time.Duration
	TriggerPolicy  TriggerPolicy
}

// UpdateTunables applies hot-reloaded settings. Zero values leave the
// current setting unchanged. The new interval takes effect on the next
// scheduler tick.
func (e *Engine) UpdateTunables(t Tunables) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.Interval > 0 {
		e.config.Interval = t.Interval
	}
	if t.FullPullEvery > 0 {
		e.config.FullPullEvery = t.FullPullEvery
	}
	if t.PullPageSize > 0 {
		e.config.PullPageSize = t.PullPageSize
	}
	if t.PushBatchSize > 0 {
		e.config.PushBatchSize = t.PushBatchSize
	}
	if t.PushTimeBudget > 0 {
		e.config.PushTimeBudget = t.PushTimeBudget
	}
	if t.TriggerPolicy == PolicyCoalesce || t.TriggerPolicy == PolicyQueued {
		e.config.TriggerPolicy = t.TriggerPolicy
	}
}

// interval returns the current scheduler cadence.
func (e *Engine) interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.Interval
}

// janitorInterval returns the status cleanup cadence.
func (e *Engine) janitorInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.JanitorInterval
}

// publish transitions the run to a new stage and records progress.
func (e *Engine) publish(ctx context.Context, run *feed.SyncRun, stage feed.Stage, pct int, msg string) {
	if run.Stage != stage && !run.Stage.CanTransition(stage) {
		e.logger.Printf("ERROR: illegal stage transition %s -> %s for run %s", run.Stage, stage, run.SyncID)
		return
	}

	run.Stage = stage
	if pct > run.ProgressPercent {
		run.ProgressPercent = pct
	}
	run.Message = msg

	if err := e.tracker.Publish(ctx, run); err != nil {
		e.logger.Printf("Warning: progress publish failed for %s: %v", run.SyncID, err)
	}
}

// progressWithin reports intermediate progress inside a stage.
func (e *Engine) progressWithin(ctx context.Context, run *feed.SyncRun, pct int, msg string) {
	if pct > run.ProgressPercent {
		run.ProgressPercent = pct
	}
	run.Message = msg

	if err := e.tracker.Publish(ctx, run); err != nil {
		e.logger.Printf("Warning: progress publish failed for %s: %v", run.SyncID, err)
	}
}

// complete marks the run terminal-successful. Deferred work (rate budget
// exhaustion) is noted in the message; partial progress is preferable to
// total rollback.
func (e *Engine) complete(ctx context.Context, run *feed.SyncRun, notes []string) {
	now := e.now().UTC()
	run.CompletedAt = &now

	msg := "sync complete"
	for _, n := range notes {
		msg += "; " + n
	}

	e.publish(ctx, run, feed.StageCompleted, 100, msg)
	e.logger.Printf("Run %s completed: %s", run.SyncID, msg)
}

// fail marks the run terminal-failed with the error detail. The next
// scheduled cycle retries; item rows keep whatever progress was applied.
func (e *Engine) fail(ctx context.Context, run *feed.SyncRun, cause error) {
	now := e.now().UTC()
	run.CompletedAt = &now
	run.ErrorDetail = cause.Error()

	e.publish(ctx, run, feed.StageFailed, run.ProgressPercent, "sync failed")
	e.logger.Printf("Run %s failed: %v", run.SyncID, cause)
}
