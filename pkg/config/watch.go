package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce collapses the burst of events editors produce on save.
const debounce = 100 * time.Millisecond

// Watch reloads configPath whenever it changes and passes every valid
// result to onChange. Parse errors go to onError and the previous
// configuration stays in effect. The parent directory is watched so that
// editors which replace the file by renaming are followed. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, configPath string, onChange func(*Config), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("error resolving config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("error watching config directory: %w", err)
	}

	reload := func() {
		cfg, err := LoadConfig(abs)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case e := <-watcher.Events:
			if filepath.Clean(e.Name) != abs {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			reload()

		case err := <-watcher.Errors:
			if onError != nil && err != nil {
				onError(err)
			}

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
	}
}
