package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceDelay = 500 * time.Millisecond

// Watcher reloads the configuration when the config file or any of the
// extra watched files (templates) change, or on SIGHUP.
type Watcher struct {
	configPath string
	paths      []string
	logger     zerolog.Logger
	watcher    *fsnotify.Watcher
	reloadFunc func(*Config) error
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewWatcher creates a new watcher for configPath and extra
func NewWatcher(configPath string, extra []string, reloadFunc func(*Config) error, logger zerolog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	paths := append([]string{configPath}, extra...)
	for _, p := range paths {
		if err := fsWatcher.Add(p); err != nil {
			fsWatcher.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		configPath: configPath,
		paths:      paths,
		logger:     logger,
		watcher:    fsWatcher,
		reloadFunc: reloadFunc,
		ctx:        ctx,
		cancel:     cancel,
	}

	return w, nil
}

// Start starts watching for changes
func (w *Watcher) Start() {
	// Setup signal handler for SIGHUP
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP)

	go func() {
		defer w.watcher.Close()
		defer signal.Stop(sigChan)

		// Debounce timer to avoid multiple rapid reloads
		var debounceTimer *time.Timer

		for {
			select {
			case <-w.ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				w.logger.Info().Msg("Watcher stopped")
				return

			case sig := <-sigChan:
				w.logger.Info().
					Str("signal", sig.String()).
					Msg("Received signal, reloading")
				w.reload()

			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}

				// Editors that save by renaming drop the watch; add it back.
				if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
					if err := w.watcher.Add(event.Name); err != nil {
						w.logger.Debug().Err(err).Str("file", event.Name).Msg("Could not re-add watch")
					}
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				w.logger.Debug().
					Str("file", event.Name).
					Str("op", event.Op.String()).
					Msg("Watched file changed")

				// Debounce the reload - cancel existing timer if any
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, w.reload)

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error().Err(err).Msg("Watcher error")
			}
		}
	}()

	w.logger.Info().
		Strs("paths", w.paths).
		Msg("Watcher started")
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.cancel()
}

// reload loads and applies the new configuration
func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	w.logger.Info().Msg("Reloading...")

	// Load validates the new config
	newCfg, err := Load(w.configPath)
	if err != nil {
		w.logger.Error().
			Err(err).
			Msg("Failed to load new configuration - keeping current config")
		return
	}

	if err := w.reloadFunc(newCfg); err != nil {
		w.logger.Error().
			Err(err).
			Msg("Failed to apply change - keeping previous output")
		return
	}

	w.logger.Info().Msg("Reloaded successfully")
}
