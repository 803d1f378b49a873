package library

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher removes catalog entries when their file disappears from the
// recordings directory
type Watcher struct {
	catalog *Catalog
	dir     string
	watcher *fsnotify.Watcher
}

// NewWatcher starts watching dir. Call Run to process events.
func NewWatcher(catalog *Catalog, dir string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{catalog: catalog, dir: dir, watcher: watcher}, nil
}

// Run handles events until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	slog.Info("Watching recordings directory", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("File watcher error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if !IsRecordingFile(event.Name) {
		return
	}

	removed, err := w.catalog.DeleteByPath(ctx, event.Name)
	if err != nil {
		slog.Error("Failed to prune catalog", "path", event.Name, "error", err)
		return
	}
	if removed {
		slog.Info("Recording removed from catalog", "path", event.Name, "op", event.Op.String())
	}
}
