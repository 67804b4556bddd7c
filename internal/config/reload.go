package config

import (
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Hot holds the current Config behind an atomic pointer so readers never
// observe a partially-applied reload; only Plugins.Whitelist and
// Logging.Level are expected to change across reloads in practice, but the
// whole value is swapped atomically to keep this invariant trivial to reason
// about.
type Hot struct {
	ptr     atomic.Pointer[Config]
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewHot wraps an already-loaded Config for hot-reload from the same path.
func NewHot(path string, initial *Config, logger *slog.Logger) *Hot {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hot{path: path, logger: logger}
	h.ptr.Store(initial)
	return h
}

// Get returns the current configuration snapshot.
func (h *Hot) Get() *Config {
	return h.ptr.Load()
}

// Watch starts an fsnotify watch on the config file itself and reloads on
// write or create events. It returns immediately; Stop tears it down.
func (h *Hot) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return err
	}
	h.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				h.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (h *Hot) reload() {
	cfg, err := Load(h.path)
	if err != nil {
		h.logger.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}
	h.ptr.Store(cfg)
	h.logger.Info("configuration reloaded", "path", h.path)
}

// Stop closes the underlying file watcher, if any.
func (h *Hot) Stop() error {
	if h.watcher == nil {
		return nil
	}
	return h.watcher.Close()
}
