// Package cachewatch watches a media descriptor's output directory and
// logs a warning if a segment file disappears out from under a live
// backend, which would otherwise silently violate invariant 3 of spec.md
// §3 ("once DONE, the on-disk file exists until the backend is
// destructed"). Advisory only: it never blocks or retries anything on the
// hot path.
package cachewatch

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Watcher wraps one fsnotify.Watcher and forwards removal events for paths
// it is told to track as logged warnings.
type Watcher struct {
	logger hclog.Logger
	fsw    *fsnotify.Watcher
	done   chan struct{}

	mu      sync.Mutex
	tracked map[string]bool
}

// New starts watching dir for filesystem events. The caller must call
// Close when the descriptor owning dir is destructed.
func New(logger hclog.Logger, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		logger:  logger.Named("cachewatch").With("dir", dir),
		fsw:     fsw,
		done:    make(chan struct{}),
		tracked: make(map[string]bool),
	}
	go w.run()
	return w, nil
}

// TrackDone marks path as a segment that should exist; its removal or
// rename while tracked is logged as a warning.
func (w *Watcher) TrackDone(path string) {
	w.mu.Lock()
	w.tracked[path] = true
	w.mu.Unlock()
}

func (w *Watcher) isTracked(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tracked[path]
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.isTracked(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.logger.Warn("segment file disappeared while still marked done", "path", event.Name, "op", event.Op.String())
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("cache watch error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
