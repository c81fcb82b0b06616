package registry

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch invokes fn whenever another process rewrites registry.json. The
// parent directory is watched so the atomic temp-file + rename write pattern
// still fires an event. The watcher goroutine exits when ctx is cancelled.
// Used by read-only observers (the HTTP API's cluster-list SSE stream, a
// second orchestrator instance) to refresh without polling.
func (s *Store) Watch(ctx context.Context, fn func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.Dir); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		base := filepath.Base(s.path())
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				fn()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("registry: watcher error", "err", err)
			}
		}
	}()
	return nil
}
