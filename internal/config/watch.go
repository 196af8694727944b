package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a config file and emits the re-parsed configuration
// on every change. Editors replace files via rename, so the parent
// directory is watched and events are filtered to the config file name.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	reloads chan *File
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	logger  *log.Logger
}

// NewWatcher creates a watcher for the given config file path.
// The watcher must be started with Start() before it will emit reloads.
func NewWatcher(path string, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}

	return &Watcher{
		watcher: fsw,
		path:    abs,
		reloads: make(chan *File, 8),
		errors:  make(chan error, 8),
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start begins watching the config file's directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and cleans up resources. It blocks until the
// event processing goroutine has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.reloads)
	close(w.errors)

	return nil
}

// Reloads returns the channel that emits re-parsed configurations.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Reloads() <-chan *File {
	return w.reloads
}

// Errors returns the channel that emits parse and watch errors.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// processEvents filters fsnotify events down to the config file,
// debounces write bursts, and emits the reloaded configuration.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	// Editors fire several Write events per save; a short quiet period
	// collapses them into one reload.
	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// relevant reports whether the event touches the watched config file.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	abs, err := filepath.Abs(event.Name)
	if err != nil || abs != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// reload parses the config file and emits it. A file that fails to
// parse is reported on the error channel; the previous configuration
// stays in effect.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Printf("Warning: config reload failed, keeping current settings: %v", err)
		select {
		case w.errors <- err:
		case <-w.done:
		}
		return
	}

	w.logger.Printf("Config reloaded from %s", w.path)
	select {
	case w.reloads <- cfg:
	case <-w.done:
	}
}
