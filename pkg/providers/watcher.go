package providers

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dotsetgreg/dotchat/pkg/logger"
)

const defaultWatchDebounce = 500 * time.Millisecond

// RoutesWatcher reloads the route table when the routes file changes on
// disk. It watches the parent directory so editors that save by rename are
// still seen. Bursts of events within the debounce window cause one reload.
type RoutesWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	reload   func() error
	debounce time.Duration
	pending  time.Time
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	reloads  atomic.Int64
	failures atomic.Int64
}

// NewRoutesWatcher watches the file the registry was loaded from.
func NewRoutesWatcher(registry *Registry) (*RoutesWatcher, error) {
	if registry == nil || registry.Path() == "" {
		return nil, errors.New("registry has no routes file to watch")
	}
	return newRoutesWatcher(registry.Path(), registry.Reload, defaultWatchDebounce)
}

func newRoutesWatcher(path string, reload func() error, debounce time.Duration) (*RoutesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &RoutesWatcher{
		watcher:  w,
		path:     abs,
		reload:   reload,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. It does not block.
func (rw *RoutesWatcher) Start(ctx context.Context) error {
	rw.mu.Lock()
	if rw.running {
		rw.mu.Unlock()
		return nil
	}
	rw.running = true
	rw.mu.Unlock()

	if err := rw.watcher.Add(filepath.Dir(rw.path)); err != nil {
		rw.mu.Lock()
		rw.running = false
		rw.mu.Unlock()
		return err
	}
	logger.InfoCF("providers", "Watching routes file", map[string]any{"path": rw.path})

	go rw.run(ctx)
	return nil
}

// Stop ends the watch and waits for the event loop to exit.
func (rw *RoutesWatcher) Stop() {
	rw.mu.Lock()
	if !rw.running {
		rw.mu.Unlock()
		_ = rw.watcher.Close()
		return
	}
	rw.running = false
	rw.mu.Unlock()

	close(rw.stopCh)
	<-rw.doneCh
	if err := rw.watcher.Close(); err != nil {
		logger.WarnCF("providers", "Error closing routes watcher", map[string]any{"error": err.Error()})
	}
}

// Reloads reports how many reloads succeeded and failed.
func (rw *RoutesWatcher) Reloads() (ok, failed int64) {
	return rw.reloads.Load(), rw.failures.Load()
}

func (rw *RoutesWatcher) run(ctx context.Context) {
	defer close(rw.doneCh)

	ticker := time.NewTicker(rw.debounce / 5)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rw.stopCh:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			rw.handleEvent(event)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			logger.WarnCF("providers", "Routes watcher error", map[string]any{"error": err.Error()})
		case <-ticker.C:
			rw.flush()
		}
	}
}

func (rw *RoutesWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != rw.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	rw.mu.Lock()
	rw.pending = time.Now()
	rw.mu.Unlock()
}

func (rw *RoutesWatcher) flush() {
	rw.mu.Lock()
	if rw.pending.IsZero() || time.Since(rw.pending) < rw.debounce {
		rw.mu.Unlock()
		return
	}
	rw.pending = time.Time{}
	rw.mu.Unlock()

	if err := rw.reload(); err != nil {
		rw.failures.Add(1)
		logger.WarnCF("providers", "Routes file changed but did not load, keeping previous routes", map[string]any{
			"path":  rw.path,
			"error": err.Error(),
		})
		return
	}
	rw.reloads.Add(1)
}
