package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/vendora/insight/validate"
)

// Watcher reloads a config file when it changes on disk. Only the validation
// section takes effect at runtime; everything else is startup-only. A reload
// that fails to parse or validate keeps the previous configuration.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	fs   *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher watches path and serves the latest valid configuration,
// starting from initial.
func NewWatcher(path string, initial *Config, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors replace files rather than writing in
	// place, which drops a watch on the file itself.
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:   path,
		logger: logger,
		fs:     fs,
		done:   make(chan struct{}),
	}
	w.current.Store(initial)

	go w.loop()
	return w, nil
}

// Config returns the latest valid configuration.
func (w *Watcher) Config() *Config {
	return w.current.Load()
}

// Thresholds returns the current validator threshold table. Pass this to
// validate.WithThresholds for runtime-tunable quality gates.
func (w *Watcher) Thresholds() validate.Thresholds {
	return w.current.Load().Validation.ThresholdTable()
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", slog.String("error", err.Error()))

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("Reloaded config invalid, keeping previous",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}

	w.current.Store(cfg)
	w.logger.Info("Config reloaded",
		slog.String("path", w.path),
		slog.Any("thresholds", cfg.Validation.Thresholds))
}
