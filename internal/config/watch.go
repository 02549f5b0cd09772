package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and hands the resolved config to fn.
// The parent directory is watched so editors that replace the file are
// picked up too. Invalid files are logged and skipped. Watch returns once the
// watcher is set up; it stops when ctx is done.
func Watch(ctx context.Context, path string, log zerolog.Logger, fn func(Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	go func() {
		defer w.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			case <-fire:
				fire = nil
				cfg, err := Resolve(abs)
				if err != nil {
					log.Warn().Err(err).Str("path", abs).Msg("config reload failed")
					continue
				}
				log.Info().Str("path", abs).Msg("config reloaded")
				fn(cfg)
			}
		}
	}()
	return nil
}
