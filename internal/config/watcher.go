package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"AppRuntime/pkg/logger"
)

// UpdateHandler receives every successfully reloaded configuration.
type UpdateHandler func(*Config)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes the result to onChange.
// The directory is watched rather than the file so editors that replace the
// file on save are handled. Invalid files are logged and skipped. Watching
// stops when ctx is done.
func Watch(ctx context.Context, path string, onChange UpdateHandler) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return err
	}
	log := logger.Named("config")
	log.Info("watching configuration", slog.String("path", abs))

	last := digest(abs)
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
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				sum := digest(abs)
				if sum == nil || bytes.Equal(sum, last) {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					log.Error("configuration reload failed, keeping previous configuration", slog.Any("error", err))
					continue
				}
				last = sum
				log.Info("configuration reloaded", slog.String("path", abs))
				if onChange != nil {
					onChange(cfg)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("configuration watcher error", slog.Any("error", err))
			}
		}
	}()
	return nil
}

func digest(path string) []byte {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(content)
	return sum[:]
}
