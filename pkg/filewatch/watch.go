// Package filewatch reloads configuration files when they change on disk.
package filewatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Reloader re-reads a file. An error leaves the previous contents in use.
type Reloader func() error

// Watch calls reload each time path is written or re-created, until ctx is
// done. The parent directory is watched rather than the file so that
// editors and deploy tools that replace the file by rename are seen too.
// Watch returns once the watch is established.
func Watch(ctx context.Context, path string, reload Reloader, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if name, err := filepath.Abs(ev.Name); err != nil || name != target {
					continue
				}
				if err := reload(); err != nil {
					logger.Warn("config reload failed, keeping previous contents", "path", target, "error", err)
					continue
				}
				logger.Info("config reloaded", "path", target)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("file watcher error", "path", target, "error", err)
			}
		}
	}()
	return nil
}
