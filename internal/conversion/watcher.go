package conversion

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the burst of events an editor produces when
// saving a file.
const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a Store when its table file changes on disk.
//
// The containing directory is watched rather than the file itself so that
// atomic saves (write to temp file, rename over) are seen.
type Watcher struct {
	store    *Store
	logger   Logger
	debounce time.Duration

	fsw      *fsnotify.Watcher
	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewWatcher creates a watcher for the store's table file.
func NewWatcher(store *Store, logger Logger) (*Watcher, error) {
	if store.Path() == "" {
		return nil, fmt.Errorf("watching table: store has no source path")
	}
	return &Watcher{
		store:    store,
		logger:   logger,
		debounce: defaultDebounce,
	}, nil
}

// SetDebounce overrides the quiet period before a reload.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching. It returns once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(w.store.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.fsw = fsw

	var loopCtx context.Context
	loopCtx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.loop(loopCtx)
	return nil
}

// Stop ends the watch and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		if w.fsw != nil {
			w.fsw.Close()
		}
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	target := filepath.Clean(w.store.Path())
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logWarn("table watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	t, err := w.store.reload(ReloadWatcher)
	if err != nil {
		// The previous snapshot remains active.
		w.logError("conversion table reload failed", "path", w.store.Path(), "error", err)
		return
	}
	w.logInfo("conversion table reloaded", "path", w.store.Path(), "entries", t.Len())
}

func (w *Watcher) logInfo(msg string, kv ...any) {
	if w.logger != nil {
		w.logger.Info(msg, kv...)
	}
}

func (w *Watcher) logWarn(msg string, kv ...any) {
	if w.logger != nil {
		w.logger.Warn(msg, kv...)
	}
}

func (w *Watcher) logError(msg string, kv ...any) {
	if w.logger != nil {
		w.logger.Error(msg, kv...)
	}
}
