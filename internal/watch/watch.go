// Package watch reports changes to a single file.
//
// The parent directory is watched rather than the file itself so that
// atomic replacements (write temp file, rename over target) keep being seen.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// DefaultDebounce collapses the burst of events a single save produces.
const DefaultDebounce = 100 * time.Millisecond

const stopGrace = 100 * time.Millisecond

// ErrNoPath is returned when New is called without a path.
var ErrNoPath = errors.New("watch: empty path")

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher calls OnChange after the watched file was written, created,
// replaced or removed, at most once per debounce window.
type Watcher struct {
	path string
	sctx *stopper.Context
	fsw  *fsnotify.Watcher

	mu        sync.Mutex
	debouncer *time.Timer
	closed    bool
}

// New starts watching path. onChange runs on its own goroutine and must not
// block for long.
func New(ctx context.Context, path string, onChange func(), opts Options) (*Watcher, error) {
	if path == "" {
		return nil, ErrNoPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("watch", abs)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}

	w := &Watcher{path: abs, sctx: stopper.WithContext(ctx), fsw: fsw}
	w.sctx.Defer(func() { _ = fsw.Close() })

	base := filepath.Base(abs)
	fire := func() {
		if w.sctx.IsStopping() {
			return
		}
		log.Debug("watched file changed")
		onChange()
	}

	w.sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(w.stopDebouncer)
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case ev, ok := <-fsw.Events:
				if !ok {
					return nil
				}
				if filepath.Base(ev.Name) != base || !relevant(ev.Op) {
					continue
				}
				w.mu.Lock()
				if w.debouncer != nil {
					w.debouncer.Stop()
				}
				w.debouncer = time.AfterFunc(opts.Debounce, fire)
				w.mu.Unlock()
			case err, ok := <-fsw.Errors:
				if !ok {
					return nil
				}
				log.Warn("watch error", "error", err)
			}
		}
	})
	return w, nil
}

func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Write) || op.Has(fsnotify.Create) || op.Has(fsnotify.Rename) || op.Has(fsnotify.Remove)
}

// Path returns the absolute watched path.
func (w *Watcher) Path() string { return w.path }

func (w *Watcher) stopDebouncer() {
	w.mu.Lock()
	if w.debouncer != nil {
		w.debouncer.Stop()
		w.debouncer = nil
	}
	w.mu.Unlock()
}

// Close stops watching. Pending debounced notifications are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	w.sctx.Stop(stopGrace)
	return w.sctx.Wait()
}
