package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const debounceDelay = 250 * time.Millisecond

// Watch reloads the config file on change and hands the parsed result to
// onChange. Writes are debounced because editors fire several events per
// save, often with a partially written file in between.
func Watch(ctx context.Context, path string, onChange func(*File)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()

		var (
			timerMu sync.Mutex
			timer   *time.Timer
		)
		reload := func() {
			f, err := Load(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("config reload failed, keeping previous")
				return
			}
			log.Info().Str("path", path).Msg("config reloaded")
			onChange(f)
		}
		debounce := func() {
			timerMu.Lock()
			defer timerMu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, reload)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
