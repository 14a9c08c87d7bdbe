package threatfence

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay collapses the burst of events an editor produces when
// saving a file into one reload.
const DebounceDelay = 100 * time.Millisecond

// WatchConfig reloads path into the engine whenever the file changes,
// until ctx is cancelled. A file that fails to parse or validate is
// logged and the running configuration is kept.
//
// The parent directory is watched so that editors which replace the
// file by rename are followed.
func (e *Engine) WatchConfig(ctx context.Context, path string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	e.logger.Info("config_watch_started", "component", "watcher", "path", abs)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(DebounceDelay, func() {
				if ctx.Err() == nil {
					e.ReloadConfig(abs)
				}
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("config_watch_error", "component", "watcher", "error", err)
		}
	}
}

// ReloadConfig loads path and applies it. On failure the running
// configuration is kept and the error is returned.
func (e *Engine) ReloadConfig(path string) error {
	config, err := LoadConfigFromFile(path)
	if err == nil {
		err = e.Reconfigure(config)
	}
	if err != nil {
		e.logger.Warn("config_reload_failed", "component", "watcher", "path", path, "error", err)
		return err
	}
	e.logger.Info("config_reloaded", "component", "watcher", "path", path)
	return nil
}
