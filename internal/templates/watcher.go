package templates

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps a Store in sync with the template files under a directory.
type Watcher struct {
	dir      string
	store    Store
	logger   *slog.Logger
	debounce time.Duration

	fsw *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	// sources maps a file path to the template id it last produced.
	sourcesMu sync.Mutex
	sources   map[string]string

	done chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the watcher's logger.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long changes accumulate before they are applied.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher for dir writing into store.
func NewWatcher(dir string, store Store, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		dir:      abs,
		store:    store,
		logger:   slog.Default(),
		debounce: 500 * time.Millisecond,
		fsw:      fsw,
		pending:  make(map[string]fsnotify.Op),
		sources:  make(map[string]string),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start loads the directory once and then applies changes until ctx is
// cancelled or Stop is called. Files that fail to parse are logged and
// skipped.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	list, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Warn("some templates failed to load", "dir", w.dir, "error", err)
	}
	for _, t := range list {
		if _, err := w.store.Put(ctx, t); err != nil {
			w.logger.Warn("failed to store template", "template_id", t.ID, "error", err)
			continue
		}
		w.remember(t.Source, t.ID)
	}

	if err := w.addWatches(w.dir); err != nil {
		return err
	}
	go w.loop(ctx)

	w.logger.Info("template watcher started", "dir", w.dir, "templates", len(list))
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) addWatches(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if base := d.Name(); strings.HasPrefix(base, ".") && path != root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.fsw.Close()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("template watcher error", "error", err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func isTemplateFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !isTemplateFile(ev.Name) {
		if ev.Has(fsnotify.Create) {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := w.addWatches(ev.Name); err != nil {
					w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
				}
			}
		}
		return
	}
	w.pendingMu.Lock()
	w.pending[ev.Name] |= ev.Op
	w.pendingMu.Unlock()
}

func (w *Watcher) flush(ctx context.Context) {
	w.pendingMu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path := range batch {
		if ctx.Err() != nil {
			return
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			w.remove(ctx, path)
			continue
		}
		w.reload(ctx, path)
	}
}

func (w *Watcher) reload(ctx context.Context, path string) {
	t, err := LoadFile(path)
	if err != nil {
		w.logger.Warn("template reload failed", "path", path, "error", err)
		return
	}
	if prev, ok := w.lookup(path); ok && prev != t.ID {
		w.deleteIfOwned(ctx, prev, path)
	}
	if _, err := w.store.Put(ctx, t); err != nil {
		w.logger.Warn("failed to store template", "template_id", t.ID, "error", err)
		return
	}
	w.remember(path, t.ID)
	w.logger.Info("template reloaded", "template_id", t.ID, "path", path)
}

func (w *Watcher) remove(ctx context.Context, path string) {
	id, ok := w.lookup(path)
	if !ok {
		return
	}
	w.sourcesMu.Lock()
	delete(w.sources, path)
	w.sourcesMu.Unlock()
	w.deleteIfOwned(ctx, id, path)
}

// deleteIfOwned deletes id only when its stored copy still came from path.
func (w *Watcher) deleteIfOwned(ctx context.Context, id, path string) {
	t, err := w.store.Get(ctx, id)
	if err != nil || t.Source != path {
		return
	}
	if err := w.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrTemplateNotFound) {
		w.logger.Warn("failed to delete template", "template_id", id, "error", err)
		return
	}
	w.logger.Info("template removed", "template_id", id, "path", path)
}

func (w *Watcher) remember(path, id string) {
	w.sourcesMu.Lock()
	w.sources[path] = id
	w.sourcesMu.Unlock()
}

func (w *Watcher) lookup(path string) (string, bool) {
	w.sourcesMu.Lock()
	defer w.sourcesMu.Unlock()
	id, ok := w.sources[path]
	return id, ok
}
