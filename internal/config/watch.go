package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"smsdispatch/pkg/logx"
)

const watchDebounce = 300 * time.Millisecond

// Watch re-loads the config file on change and hands valid new configs
// to onChange. Invalid edits are logged and ignored; the running config
// stays as it was. Watch blocks until ctx is done.
//
// The parent directory is watched, not the file, so editors that
// rename-and-replace keep working.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}

	var lastHash uint64
	if cfg, err := Load(path); err == nil {
		lastHash = hashConfig(cfg)
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", logx.Err(err))
		case <-fire:
			cfg, err := Load(path)
			if err != nil {
				log.Error("config reload rejected", logx.String("path", path), logx.Err(err))
				continue
			}
			h := hashConfig(cfg)
			if h == lastHash {
				continue
			}
			lastHash = h
			log.Info("config reloaded", logx.String("path", path))
			onChange(cfg)
		}
	}
}

// hashConfig detects editor no-op rewrites so subscribers aren't
// notified for identical content.
func hashConfig(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
