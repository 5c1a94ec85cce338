package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/irctrakz/apptunnel/pkg/logging"
)

// Watch re-reads the config file whenever it changes and re-applies the
// logging section. Only logging settings take effect at runtime; listener and
// session parameters need a restart. Watch blocks until ctx is canceled.
func Watch(ctx context.Context, path string, current *Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("config watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded := *current
			if err := LoadFromFile(path, &reloaded); err != nil {
				logging.Warnf("config reload skipped: %v", err)
				continue
			}
			if err := reloaded.Validate(); err != nil {
				logging.Warnf("config reload rejected: %v", err)
				continue
			}
			current.Logging = reloaded.Logging
			if err := current.ApplyLogging(); err != nil {
				logging.Warnf("config reload: %v", err)
				continue
			}
			logging.Infof("logging configuration reloaded from %s", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warnf("config watcher: %v", err)
		}
	}
}
