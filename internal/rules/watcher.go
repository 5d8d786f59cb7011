package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"lobuilder/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Store when its rules file is edited outside the process.
// It watches the containing directory so editors that replace the file by
// rename are still seen. The store's own writes are recognized and skipped.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	store       *Store
	target      string
	pending     time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	reloads     int

	// OnReload, when set, is called after each successful reload.
	OnReload func(*EvaluationConfig)
}

// NewWatcher creates a watcher for the store's durable file.
func NewWatcher(store *Store) (*Watcher, error) {
	if store.Path() == "" {
		return nil, errors.New("rules: in-memory store has no file to watch")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		store:       store,
		target:      filepath.Clean(store.Path()),
		debounceDur: 300 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.RulesWarn("watcher: failed to create %s: %v", dir, err)
	}
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Rules("watcher: watching %s", w.target)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryRules).Error("watcher: error closing: %v", err)
	}
	logging.Rules("watcher: stopped")
}

// Reloads returns how many external edits were applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryRules).Error("watcher error: %v", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.target {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	logging.RulesDebug("watcher: %s on %s", event.Op, event.Name)

	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

// flush reloads once the file has been quiet for the debounce window.
func (w *Watcher) flush() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	changed, err := w.store.Reload()
	if err != nil || !changed {
		return
	}

	w.mu.Lock()
	w.reloads++
	cb := w.OnReload
	w.mu.Unlock()

	if cb != nil {
		cb(w.store.Get())
	}
}
