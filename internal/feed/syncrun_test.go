package feed

import (
	"testing"
	"time"
)

func TestSyncMode_Validate(t *testing.T) {
	if err := ModeIncremental.Validate(); err != nil {
		t.Errorf("incremental should be valid: %v", err)
	}
	if err := ModeFull.Validate(); err != nil {
		t.Errorf("full should be valid: %v", err)
	}
	if err := SyncMode("partial").Validate(); err == nil {
		t.Error("unknown mode should fail validation")
	}
}

func TestStage_Terminal(t *testing.T) {
	for _, s := range []Stage{StagePending, StagePulling, StagePushing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Stage{StageCompleted, StageFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestStage_CanTransition(t *testing.T) {
	tests := []struct {
		from Stage
		to   Stage
		want bool
	}{
		{StagePending, StagePulling, true},
		{StagePending, StagePushing, false},
		{StagePending, StageFailed, true},
		{StagePulling, StagePushing, true},
		{StagePulling, StageCompleted, true},
		{StagePulling, StagePending, false},
		{StagePushing, StageCompleted, true},
		{StagePushing, StagePulling, false},
		{StagePushing, StageFailed, true},
		{StageCompleted, StageFailed, false},
		{StageFailed, StagePulling, false},
		{StageCompleted, StagePulling, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSyncRun_Validate(t *testing.T) {
	now := time.Now()
	valid := SyncRun{
		SyncID:          "run-1",
		Mode:            ModeIncremental,
		Stage:           StagePending,
		ProgressPercent: 0,
		StartedAt:       now,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid run rejected: %v", err)
	}

	missing := valid
	missing.SyncID = ""
	if err := missing.Validate(); err == nil {
		t.Error("missing sync_id should fail")
	}

	badMode := valid
	badMode.Mode = SyncMode("partial")
	if err := badMode.Validate(); err == nil {
		t.Error("unknown mode should fail")
	}

	overflow := valid
	overflow.ProgressPercent = 120
	if err := overflow.Validate(); err == nil {
		t.Error("progress above 100 should fail")
	}

	noStart := valid
	noStart.StartedAt = time.Time{}
	if err := noStart.Validate(); err == nil {
		t.Error("missing started_at should fail")
	}
}

func TestSyncRun_Clone(t *testing.T) {
	done := time.Now()
	run := &SyncRun{
		SyncID:      "run-1",
		Mode:        ModeFull,
		Stage:       StageCompleted,
		CompletedAt: &done,
	}

	clone := run.Clone()
	clone.Stage = StageFailed
	*clone.CompletedAt = done.Add(time.Hour)

	if run.Stage != StageCompleted {
		t.Error("mutating the clone changed the original's stage")
	}
	if !run.CompletedAt.Equal(done) {
		t.Error("mutating the clone changed the original's completion time")
	}
}

func TestRateBudget_Remaining(t *testing.T) {
	tests := []struct {
		name      string
		budget    RateBudget
		remaining int
		exhausted bool
	}{
		{"fresh", RateBudget{Used: 0, Limit: 250}, 250, false},
		{"partial", RateBudget{Used: 100, Limit: 250}, 150, false},
		{"exact", RateBudget{Used: 250, Limit: 250}, 0, true},
		{"overrun", RateBudget{Used: 300, Limit: 250}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.budget.Remaining(); got != tt.remaining {
				t.Errorf("Remaining() = %d, want %d", got, tt.remaining)
			}
			if got := tt.budget.Exhausted(); got != tt.exhausted {
				t.Errorf("Exhausted() = %v, want %v", got, tt.exhausted)
			}
		})
	}
}
