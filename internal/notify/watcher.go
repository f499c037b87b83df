// ABOUTME: Cross-process change watcher using fsnotify on the sidecar marker file
// ABOUTME: Delivers payloadless signals when another process commits a write

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the sidecar marker file written by another process's
// Notifier and converts filesystem events into change signals. Consumers
// re-read through their own connection; the signal carries no payload.
type Watcher struct {
	path   string
	logger *slog.Logger
}

// NewWatcher creates a watcher for the marker file at path
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger.With("component", "notify_watcher")}
}

// Watch starts watching and returns a signal channel. Watching stops and
// the channel closes when ctx is cancelled. The marker file's directory is
// watched rather than the file itself, so signals arrive even when the
// file is created after Watch begins.
func (w *Watcher) Watch(ctx context.Context) (<-chan Signal, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	ch := make(chan Signal, subscriberBufferSize)
	go func() {
		defer close(ch)
		defer fsw.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Name != w.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				select {
				case ch <- Signal{}:
				default:
					// Coalesce: a pending signal already covers this change.
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("filesystem watcher error", "error", err)
			}
		}
	}()

	w.logger.Debug("watching change marker", "path", w.path)
	return ch, nil
}
