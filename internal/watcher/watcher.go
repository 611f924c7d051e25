// Package watcher reports ticket documents that appear in a directory.
//
// A file is reported once its writes have settled: every create or write
// event restarts a per-file debounce timer, and a remove or rename cancels
// it. Files already present when Run starts are reported immediately.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must stay quiet before it is reported.
const DefaultDebounce = 2 * time.Second

// Watcher observes one directory, non-recursively.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// New creates a Watcher for dir. A negative debounce is treated as zero.
func New(dir string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce < 0 {
		debounce = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Run reports existing and newly added ticket documents to onAdd until ctx
// is done. onAdd may be called from several goroutines and must not block
// for long. Run returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context, onAdd func(path string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	// Subscribe before scanning so a file written in between is not lost.
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	defer w.stop()

	if err := w.scan(onAdd); err != nil {
		return err
	}
	w.logger.Info("watching for tickets", "dir", w.dir, "debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ev, onAdd)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) scan(onAdd func(path string)) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isTicket(e.Name()) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		w.logger.Info("found existing ticket", "ticket", e.Name())
		onAdd(path)
	}
	return nil
}

func (w *Watcher) handle(ev fsnotify.Event, onAdd func(path string)) {
	if !isTicket(filepath.Base(ev.Name)) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.schedule(ev.Name, onAdd)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancel(ev.Name)
	}
}

func (w *Watcher) schedule(path string, onAdd func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.fire(path, onAdd)
	})
}

func (w *Watcher) fire(path string, onAdd func(path string)) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	delete(w.timers, path)
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	w.logger.Info("new ticket detected", "ticket", filepath.Base(path))
	onAdd(path)
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// isTicket reports whether name is a ticket document: a non-hidden *.md file.
func isTicket(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ".md")
}
