package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and hands every valid config to
// onChange. Invalid files are logged and skipped. Watch blocks until ctx
// is done.
func Watch(ctx context.Context, path string, onChange func(*Config), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()

	// The directory is watched so atomic renames of the file are seen.
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(target), err)
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config: watcher error", "error", err)

		case <-fire:
			fire = nil
			cfg, err := LoadFile(target)
			if err != nil {
				logger.Error("config: reload failed, keeping previous config", "path", target, "error", err)
				continue
			}
			logger.Info("config: reloaded", "path", target)
			onChange(cfg)
		}
	}
}
