package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay collapses the burst of events editors produce when saving.
const settleDelay = 200 * time.Millisecond

// Watch calls onChange with the freshly read configuration whenever
// cfile is written, created or replaced. Files that fail to parse or
// validate are logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, cfile string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file instead of
	// writing it in place, which drops a watch on the file itself.
	abs, err := filepath.Abs(cfile)
	if err != nil {
		return fmt.Errorf("failed to resolve config path %s: %w", cfile, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(settleDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(settleDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		case <-timer.C:
			conf, err := ReadConfig(abs)
			if err != nil {
				slog.Error("Ignoring changed config file", "file", abs, "error", err)
				continue
			}
			slog.Info("Config file changed, reloading", "file", abs)
			onChange(conf)
		}
	}
}
