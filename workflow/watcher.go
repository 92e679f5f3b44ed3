package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DirWatcher polls a directory of workflow definition files and reloads
// changed definitions into a Library. Polling keeps it portable; the
// interval is coarse because definitions change rarely.
type DirWatcher struct {
	mu sync.Mutex

	dir      string
	library  *Library
	interval time.Duration
	logger   *zap.Logger

	running  bool
	stopChan chan struct{}

	// modTimes tracks the last seen modification time per file.
	modTimes map[string]time.Time

	// onReload, when set, is called after each changed file is loaded.
	onReload func(def *Definition)
}

// WatcherOption configures a DirWatcher.
type WatcherOption func(*DirWatcher)

// WithPollInterval sets the directory scan interval.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *DirWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *DirWatcher) {
		if logger != nil {
			w.logger = logger.With(zap.String("component", "workflow-watcher"))
		}
	}
}

// WithReloadCallback registers a callback invoked for each definition
// that is loaded or replaced by the watcher.
func WithReloadCallback(fn func(def *Definition)) WatcherOption {
	return func(w *DirWatcher) {
		w.onReload = fn
	}
}

// NewDirWatcher creates a watcher for dir feeding library.
func NewDirWatcher(dir string, library *Library, opts ...WatcherOption) *DirWatcher {
	w := &DirWatcher{
		dir:      dir,
		library:  library,
		interval: time.Second,
		logger:   zap.NewNop(),
		stopChan: make(chan struct{}),
		modTimes: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching until ctx is cancelled or Stop is called.
func (w *DirWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	// Prime the mod times so startup does not re-fire for files the
	// initial LoadDir already handled.
	w.scan(false)

	go w.loop(ctx)
	w.logger.Info("watching workflow definitions",
		zap.String("dir", w.dir),
		zap.Duration("interval", w.interval),
	)
}

// Stop ends watching. Safe to call more than once.
func (w *DirWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stopChan)
}

// IsRunning reports whether the watcher loop is active.
func (w *DirWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *DirWatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.scan(true)
		}
	}
}

// scan walks the directory once. When reload is true, changed files are
// parsed and pushed into the library; otherwise only mod times are
// recorded.
func (w *DirWatcher) scan(reload bool) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("cannot read workflow dir", zap.String("dir", w.dir), zap.Error(err))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}

		last, seen := w.modTimes[path]
		changed := !seen || info.ModTime().After(last)
		w.modTimes[path] = info.ModTime()
		if !reload || !changed {
			continue
		}

		def, err := LoadDefinition(path)
		if err != nil {
			// A broken edit must not unload the last good version.
			w.logger.Error("ignoring invalid workflow definition",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		w.library.Add(def)
		w.logger.Info("workflow definition reloaded",
			zap.String("path", path),
			zap.String("workflow", def.Identity()),
		)
		if w.onReload != nil {
			w.onReload(def)
		}
	}
}
