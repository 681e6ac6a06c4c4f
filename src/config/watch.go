package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
)

// Watch reloads path whenever it changes and hands every valid config to
// onChange. Invalid files are logged and skipped. It blocks until ctx is done.
//
// The parent directory is watched rather than the file so editors that save
// by rename are still picked up.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reload(abs, onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Config watcher error", "err", err)
		}
	}
}

func reload(path string, onChange func(*Config)) {
	log.Info("Reloading configuration", "path", path)
	cfg, err := Load(path)
	if err != nil {
		log.Warn("Failed to load config for reload", "err", err)
		return
	}
	if err := Validate(cfg); err != nil {
		log.Warn("Config validation failed during reload", "err", err)
		return
	}
	onChange(cfg)
}
