package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Will-Luck/CTF-Warden/internal/logging"
)

// Watcher re-imports the bootstrap catalog whenever the file changes.
// Editors and config tools usually replace files by rename, so the parent
// directory is watched and events for the target are debounced.
type Watcher struct {
	path     string
	importer *Importer
	log      *logging.Logger
	debounce time.Duration
}

// NewWatcher creates a Watcher for the given catalog file.
func NewWatcher(path string, importer *Importer, log *logging.Logger) *Watcher {
	return &Watcher{
		path:     path,
		importer: importer,
		log:      log,
		debounce: 500 * time.Millisecond,
	}
}

// Run blocks watching the catalog until ctx is cancelled. A reload that
// fails to parse keeps the previously imported challenges and is retried on
// the next change.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.log.Info("watching challenge catalog", "path", w.path)

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-pending:
			timer, pending = nil, nil
			w.reload(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("catalog watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if _, err := os.Stat(w.path); err != nil {
		w.log.Warn("catalog file gone, keeping current challenges", "path", w.path)
		return
	}
	n, err := w.importer.ImportFile(ctx, w.path)
	if err != nil {
		w.log.Error("catalog reload failed, keeping current challenges", "error", err)
		return
	}
	w.log.Info("challenge catalog reloaded", "path", w.path, "challenges", n)
}
