package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "feedsyncd.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  interval: 5m\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	w, err := NewWatcher(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	return w, path
}

func TestWatcherStartStop(t *testing.T) {
	w, _ := setupTestWatcher(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestWatcherStartAlreadyRunning(t *testing.T) {
	w, _ := setupTestWatcher(t)
	defer w.Stop()

	if err := w.Start(); err != nil {
		t.Fatalf("First Start() failed: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}
}

func TestWatcherEmitsReloadOnWrite(t *testing.T) {
	w, path := setupTestWatcher(t)
	defer w.Stop()

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Give the watcher time to stabilize
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("sync:\n  interval: 2m\n"), 0644); err != nil {
		t.Fatalf("failed to update config file: %v", err)
	}

	select {
	case cfg := <-w.Reloads():
		if cfg.Sync.Interval != 2*time.Minute {
			t.Errorf("expected reloaded interval 2m, got %v", cfg.Sync.Interval)
		}
	case err := <-w.Errors():
		t.Fatalf("unexpected watch error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}
}

func TestWatcherReportsInvalidConfig(t *testing.T) {
	w, path := setupTestWatcher(t)
	defer w.Stop()

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	// A config that parses but fails validation must surface as an
	// error, not a reload.
	if err := os.WriteFile(path, []byte("sync:\n  trigger_policy: sideways\n"), 0644); err != nil {
		t.Fatalf("failed to update config file: %v", err)
	}

	select {
	case cfg := <-w.Reloads():
		t.Fatalf("invalid config must not emit a reload, got %+v", cfg)
	case err := <-w.Errors():
		if err == nil {
			t.Fatal("expected a non-nil error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload error")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	w, path := setupTestWatcher(t)
	defer w.Stop()

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	other := filepath.Join(filepath.Dir(path), "unrelated.txt")
	if err := os.WriteFile(other, []byte("noise"), 0644); err != nil {
		t.Fatalf("failed to write unrelated file: %v", err)
	}

	select {
	case cfg := <-w.Reloads():
		t.Fatalf("unrelated file must not trigger reload, got %+v", cfg)
	case <-time.After(600 * time.Millisecond):
		// Expected - no reload for unrelated files
	}
}

func TestWatcherStopClosesChannels(t *testing.T) {
	w, _ := setupTestWatcher(t)

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	reloads := w.Reloads()
	errs := w.Errors()

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	select {
	case _, ok := <-reloads:
		if ok {
			t.Error("Reloads channel should be closed after Stop()")
		}
	case <-time.After(time.Second):
		t.Error("Timeout verifying reloads channel closure")
	}

	select {
	case _, ok := <-errs:
		if ok {
			t.Error("Errors channel should be closed after Stop()")
		}
	case <-time.After(time.Second):
		t.Error("Timeout verifying errors channel closure")
	}
}
