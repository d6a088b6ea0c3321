package config

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Holder lets callers swap in a freshly loaded ConfigModel atomically, so
// in-flight requests always see a consistent snapshot.
type Holder struct {
	path string
	get  func() *ConfigModel
	set  func(*ConfigModel)
}

// NewHolder wraps getter/setter closures (typically backed by an
// atomic.Pointer[ConfigModel]) with reload machinery.
func NewHolder(path string, get func() *ConfigModel, set func(*ConfigModel)) *Holder {
	return &Holder{path: path, get: get, set: set}
}

// WatchAndReload starts an fsnotify watch on the config file and replaces
// the held ConfigModel whenever it changes on disk, restricted to fields
// safe to change at runtime. Changing an existing tier's provider or model
// identity is rejected; the watcher logs the error and keeps serving the
// previous snapshot.
func (h *Holder) WatchAndReload(logger *slog.Logger) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", h.path, err)
	}

	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			next, err := Load(h.path)
			if err != nil {
				logger.Warn("config reload failed, keeping previous snapshot", slog.String("error", err.Error()))
				continue
			}
			if err := assertSafeTransition(h.get(), next); err != nil {
				logger.Warn("config reload rejected", slog.String("error", err.Error()))
				continue
			}
			h.set(next)
			logger.Info("config reloaded")
		}
	}()

	return watcher.Close, nil
}

// assertSafeTransition rejects a reload that would change an existing
// tier's provider/model identity in place; adding new tiers, changing
// presets, or adjusting retry policy are all permitted without restart.
func assertSafeTransition(prev, next *ConfigModel) error {
	if prev == nil {
		return nil
	}
	for name, idx := range prev.tierIndex {
		if idx >= len(prev.Tiers) {
			continue // index outside prev.Tiers
		}
		prevTier := prev.Tiers[idx]
		if prevTier.Name != name {
			continue
		}
		nextTier, ok := next.ResolveRoute(name)
		if !ok {
			continue // tier removed; allowed
		}
		if nextTier.Provider != prevTier.Provider || nextTier.Model != prevTier.Model {
			return fmt.Errorf("tier %q changed provider/model identity; restart required", name)
		}
	}
	return nil
}
