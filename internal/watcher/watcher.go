// Package watcher reloads the pattern catalog when its file changes.
package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ptyhive/internal/classify"
)

const debounceInterval = 500 * time.Millisecond

// ReloadCallback is called after every reload attempt. On failure err is
// set and the previous patterns stay in effect.
type ReloadCallback func(p *classify.Patterns, err error)

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// WithDebounce sets how long the file must be quiet before it is reloaded.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithCallback sets a function to call after each reload.
func WithCallback(cb ReloadCallback) Option {
	return func(w *Watcher) { w.callback = cb }
}

// Watcher keeps a classify.Store in sync with a catalog file.
//
// The file's directory is watched rather than the file, so editors that
// save by writing a temporary file and renaming it over the original are
// picked up.
type Watcher struct {
	path     string
	store    *classify.Store
	log      *slog.Logger
	debounce time.Duration
	callback ReloadCallback

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	reloadMu sync.Mutex
}

// New creates a watcher for the catalog at path feeding store.
func New(path string, store *classify.Store, opts ...Option) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		store:    store,
		debounce: debounceInterval,
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	return w
}

// Load reads and compiles the catalog and swaps it into the store.
func (w *Watcher) Load() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	p, err := load(w.path)
	if err == nil {
		w.store.Swap(p)
	}
	if w.callback != nil {
		w.callback(p, err)
	}
	return err
}

func load(path string) (*classify.Patterns, error) {
	cat, err := classify.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	p, err := cat.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile catalog %s: %w", path, err)
	}
	return p, nil
}

// Start begins watching. Changes are applied until Shutdown.
func (w *Watcher) Start() error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(w.path)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fsWatcher = fsW

	go w.watchLoop()
	return nil
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	defer close(w.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.cancel:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("catalog watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.cancel:
		return
	default:
	}

	if err := w.Load(); err != nil {
		w.log.Warn("catalog reload failed, keeping previous patterns", "path", w.path, "error", err)
		return
	}
	w.log.Info("catalog reloaded", "path", w.path)
}

// Shutdown stops watching and waits for the event loop to exit.
func (w *Watcher) Shutdown() {
	w.stopOnce.Do(func() {
		close(w.cancel)
		if w.fsWatcher == nil {
			close(w.done)
			return
		}
		w.fsWatcher.Close()
	})
	<-w.done
}
