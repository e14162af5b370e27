package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"fleetpulse.state/internal/core/logger"
)

// Watch reloads the configuration whenever the file at path is written or
// replaced and passes it to onChange. A reload that fails to load or validate
// is logged and skipped. It runs until ctx is cancelled.
//
// The parent directory is watched so that editors which save by renaming a
// temporary file over path keep triggering reloads.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger.Info("Watching config file", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load()
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				logger.Error("Config reload failed, keeping previous config", "path", path, "error", err)
				continue
			}

			logger.Info("Config reloaded", "path", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("Config watcher error", "error", err)
		}
	}
}
