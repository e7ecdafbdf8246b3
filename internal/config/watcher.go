package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"hivemind/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly loaded config after a file change.
type ReloadFunc func(*Config)

// Watcher watches the config file and re-applies tunable settings live
// (evolution rate, conflict thresholds). Structural settings such as the
// database path require a restart and are not re-applied.
type Watcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	path      string
	callbacks []ReloadFunc
	lastFire  time.Time
	debounce  time.Duration
	running   bool
	doneCh    chan struct{}
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		path:     path,
		debounce: 500 * time.Millisecond, // editors save in bursts
	}, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching. Non-blocking; the watch loop runs in a goroutine
// until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	// Watch the directory rather than the file: editors replace files on
	// save, which drops file-level watches.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		logging.Get(logging.CategoryBoot).Warn("config watcher: watch failed for %s: %v", dir, err)
	}

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			if time.Since(w.lastFire) < w.debounce {
				w.mu.Unlock()
				continue
			}
			w.lastFire = time.Now()
			callbacks := append([]ReloadFunc(nil), w.callbacks...)
			w.mu.Unlock()

			cfg, err := Load(w.path)
			if err != nil {
				logging.Get(logging.CategoryBoot).Warn("config watcher: reload failed: %v", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				logging.Get(logging.CategoryBoot).Warn("config watcher: invalid config ignored: %v", err)
				continue
			}
			if err := logging.ReloadConfig(); err != nil {
				logging.Get(logging.CategoryBoot).Warn("config watcher: logging reload failed: %v", err)
			}
			logging.Boot("config reloaded from %s", w.path)
			for _, fn := range callbacks {
				fn(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		}
	}
}

// Stop closes the watcher and waits briefly for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	done := w.doneCh
	w.mu.Unlock()

	w.watcher.Close()
	if running && done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}
