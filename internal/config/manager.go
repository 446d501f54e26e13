package config

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/blueberrycongee/modelrouter/internal/catalog"
)

// Manager hot-reloads the providers file only. The model catalog is
// immutable after load, so Manager never re-reads models.yaml: it takes the
// already-loaded catalog as a constructor argument and reloads and
// revalidates only the provider set against it, rejecting a reload that
// would reference an unknown canonical id rather than swapping in a broken
// provider list.
type Manager struct {
	providers atomic.Pointer[[]catalog.ProviderDescriptor]
	path      string
	cat       *catalog.Catalog
	watcher   *fsnotify.Watcher
	onChange  []func([]catalog.ProviderDescriptor)
	logger    *slog.Logger
}

// NewManager loads providersPath once and wraps the result for hot-reload.
// cat is used only to validate that a reloaded provider's model bindings
// still reference known canonical ids; it is never mutated.
func NewManager(providersPath string, cat *catalog.Catalog, logger *slog.Logger) (*Manager, error) {
	providers, err := catalog.LoadProvidersFile(providersPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{path: providersPath, cat: cat, logger: logger}
	m.providers.Store(&providers)
	return m, nil
}

// Providers returns the current provider set. Safe for concurrent use.
func (m *Manager) Providers() []catalog.ProviderDescriptor {
	return *m.providers.Load()
}

// OnChange registers a callback invoked with the new provider set after a
// successful reload.
func (m *Manager) OnChange(fn func([]catalog.ProviderDescriptor)) {
	m.onChange = append(m.onChange, fn)
}

// Watch starts watching the providers file for changes, debouncing rapid
// writes the way editors and config-management tools tend to produce them.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, m.reload)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("provider config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	providers, err := catalog.LoadProvidersFile(m.path)
	if err != nil {
		m.logger.Error("failed to reload provider config, keeping current", "error", err)
		return
	}

	for _, p := range providers {
		for _, model := range p.Models {
			if m.cat != nil && !m.cat.KnowsCanonical(model.CanonicalID) {
				m.logger.Error("failed to reload provider config: unknown canonical id, keeping current",
					"provider", p.Name, "canonical_id", model.CanonicalID)
				return
			}
		}
	}

	m.providers.Store(&providers)
	m.logger.Info("provider configuration reloaded", "provider_count", len(providers))

	for _, fn := range m.onChange {
		fn(providers)
	}
}

// Close stops the provider config watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
