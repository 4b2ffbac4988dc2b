package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Watcher re-resolves configuration whenever a config file under one of
// its roots is written or created.
type Watcher struct {
	roots    []string
	match    *regexp.Regexp
	delay    time.Duration
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	reloadFn func(ctx context.Context) error
}

// NewWatcher returns a watcher for files matching pattern under roots.
func NewWatcher(roots []string, pattern string, reloadFn func(ctx context.Context) error) (*Watcher, error) {
	re, err := regexp.Compile(`(?i)^.+` + pattern + `$`)
	if err != nil {
		return nil, fmt.Errorf("invalid config file pattern: %w", err)
	}
	return &Watcher{
		roots:    roots,
		match:    re,
		delay:    500 * time.Millisecond,
		logger:   log.Logger.With().Str("component", "config-watcher").Logger(),
		reloadFn: reloadFn,
	}, nil
}

// Start adds every existing root to the watch list and processes events
// until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = fw

	watched := 0
	for _, root := range w.roots {
		info, err := os.Stat(root)
		if err != nil {
			w.logger.Debug().Err(err).Str("path", root).Msg("skipping missing config root")
			continue
		}
		if info.IsDir() {
			if err := w.watchDirectory(root); err != nil {
				w.logger.Warn().Err(err).Str("path", root).Msg("failed to watch directory")
				continue
			}
		} else if err := fw.Add(root); err != nil {
			w.logger.Warn().Err(err).Str("path", root).Msg("failed to watch file")
			continue
		}
		watched++
	}

	go w.processEvents(ctx)

	w.logger.Info().Int("paths", watched).Msg("watching config roots")
	return nil
}

func (w *Watcher) watchDirectory(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watchDirectory(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.match.MatchString(filepath.Base(event.Name)) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("config file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.delay, func() {
				w.reload(ctx)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := w.reloadFn(ctx); err != nil {
		w.logger.Error().Err(err).Msg("configuration reload failed")
		return
	}
	w.logger.Info().Msg("configuration reloaded")
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
