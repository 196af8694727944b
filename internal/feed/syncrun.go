package feed

import (
	"fmt"
	"time"
)

// SyncMode selects how pull sync chooses its window.
type SyncMode string

const (
	// ModeIncremental pulls changes since the stored watermark.
	ModeIncremental SyncMode = "incremental"

	// ModeFull ignores the watermark and pulls everything, self-healing
	// drift from missed deltas.
	ModeFull SyncMode = "full"
)

// Validate checks that the mode is one of the known values.
func (m SyncMode) Validate() error {
	switch m {
	case ModeIncremental, ModeFull:
		return nil
	}
	return fmt.Errorf("unknown sync mode %q", string(m))
}

// Stage is the lifecycle stage of a sync run.
type Stage string

const (
	StagePending   Stage = "pending"
	StagePulling   Stage = "pulling"
	StagePushing   Stage = "pushing"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// Terminal reports whether the stage is final.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// CanTransition reports whether moving from s to next respects the strict
// stage order pending -> pulling -> pushing -> completed, with failed as
// an escape from any non-terminal stage.
func (s Stage) CanTransition(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	switch s {
	case StagePending:
		return next == StagePulling
	case StagePulling:
		return next == StagePushing || next == StageCompleted
	case StagePushing:
		return next == StageCompleted
	}
	return false
}

// SyncRun is one execution of the orchestrator cycle.
//
// ProgressPercent is monotonically non-decreasing within a run; the
// progress tracker enforces this on publish. Completed and failed are
// terminal, and terminal runs are retained in the fallback store for a
// fixed window so a late poller still gets a final answer.
type SyncRun struct {
	SyncID          string     `json:"sync_id"`
	Mode            SyncMode   `json:"mode"`
	Stage           Stage      `json:"stage"`
	ProgressPercent int        `json:"progress_percent"`
	Message         string     `json:"message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ErrorDetail     string     `json:"error_detail,omitempty"`
}

// Validate checks that the SyncRun has valid field values.
func (r *SyncRun) Validate() error {
	if r.SyncID == "" {
		return fmt.Errorf("sync_id is required")
	}
	if err := r.Mode.Validate(); err != nil {
		return err
	}
	if r.ProgressPercent < 0 || r.ProgressPercent > 100 {
		return fmt.Errorf("progress_percent must be between 0 and 100 (got %d)", r.ProgressPercent)
	}
	if r.StartedAt.IsZero() {
		return fmt.Errorf("started_at is required")
	}
	return nil
}

// Clone returns a copy of the run safe to hand to other goroutines.
func (r *SyncRun) Clone() *SyncRun {
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// RateBudget is the call-consumption ledger for the current accounting
// window. Used never exceeds Limit; when the budget is exhausted the
// orchestrator defers the remainder of the cycle rather than erroring
// the whole run.
type RateBudget struct {
	WindowStart time.Time     `json:"window_start"`
	Used        int           `json:"used"`
	Limit       int           `json:"limit"`
	ResetAfter  time.Duration `json:"reset_after"`
}

// Remaining returns the number of call slots left in the window.
func (b RateBudget) Remaining() int {
	if b.Used >= b.Limit {
		return 0
	}
	return b.Limit - b.Used
}

// Exhausted reports whether no call slots remain.
func (b RateBudget) Exhausted() bool {
	return b.Remaining() == 0
}
