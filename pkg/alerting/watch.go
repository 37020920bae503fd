package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// WatchRules reloads the rules file into e whenever it changes on disk. The
// parent directory is watched so editors that replace the file are seen.
// It returns when ctx is cancelled.
func WatchRules(ctx context.Context, path string, e *Evaluator) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve rules path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	slog.Info("Watching alert rules", "component", "RulesWatcher", "path", abs)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Rules watcher error", "component", "RulesWatcher", "error", err)
		case <-pending:
			pending = nil
			if err := e.ReloadRules(abs); err == nil {
				slog.Info("Alert rules reloaded", "component", "RulesWatcher", "path", abs)
			}
		}
	}
}
