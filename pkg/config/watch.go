package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads tunable configuration when the config file changes.
type Watcher struct {
	mgr      *Manager
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *slog.Logger
}

// NewWatcher creates a watcher for the manager's config file.
func NewWatcher(mgr *Manager, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory rather than the file; editors replace files.
	dir := filepath.Dir(mgr.Path())
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{
		mgr:      mgr,
		watcher:  fsWatcher,
		debounce: 500 * time.Millisecond,
		log:      log,
	}, nil
}

// Run blocks until the context is cancelled, reloading tunables on change.
func (w *Watcher) Run(ctx context.Context) error {
	target, err := filepath.Abs(w.mgr.Path())
	if err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || abs != target {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := w.mgr.Reload(); err != nil {
				w.log.Warn("config reload failed, keeping previous values", "err", err)
				continue
			}
			w.log.Info("config reloaded", "config", w.mgr.Get().String())

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "err", err)
		}
	}
}
