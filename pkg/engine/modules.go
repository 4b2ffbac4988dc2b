package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultNamespace holds the helper modules compiled into storyplayer.
// It is always searched after the configured namespaces.
const DefaultNamespace = "Storyplayer"

// ModuleFactory creates a helper module bound to an execution context.
type ModuleFactory func(ec *Context) (interface{}, error)

// ModuleCatalog maps namespace to module name to factory.
type ModuleCatalog map[string]map[string]ModuleFactory

// Add registers factory as name inside namespace.
func (c ModuleCatalog) Add(namespace, name string, factory ModuleFactory) {
	if c[namespace] == nil {
		c[namespace] = make(map[string]ModuleFactory)
	}
	c[namespace][name] = factory
}

// ModuleRegistry resolves helper module names to factories.
type ModuleRegistry struct {
	mu        sync.RWMutex
	factories map[string]ModuleFactory
	origins   map[string]string
}

// NewModuleRegistry returns an empty registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{
		factories: make(map[string]ModuleFactory),
		origins:   make(map[string]string),
	}
}

// LoadModuleRegistry populates a registry from catalog, walking namespaces in
// order followed by DefaultNamespace. The first namespace providing a name wins.
// A configured namespace absent from the catalog fails with InvalidConfig.
func LoadModuleRegistry(catalog ModuleCatalog, namespaces []string) (*ModuleRegistry, error) {
	r := NewModuleRegistry()

	order := append([]string(nil), namespaces...)
	order = append(order, DefaultNamespace)

	seen := make(map[string]bool, len(order))
	for _, ns := range order {
		if seen[ns] {
			continue
		}
		seen[ns] = true

		modules, ok := catalog[ns]
		if !ok {
			if ns == DefaultNamespace {
				continue
			}
			return nil, NewInvalidConfigError(fmt.Sprintf("unknown module namespace '%s'", ns), nil).
				WithResource("prose.namespaces")
		}

		names := make([]string, 0, len(modules))
		for name := range modules {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if _, exists := r.factories[name]; exists {
				log.Debug().
					Str("module", name).
					Str("namespace", ns).
					Str("shadowed_by", r.origins[name]).
					Msg("module shadowed by earlier namespace")
				continue
			}
			r.factories[name] = modules[name]
			r.origins[name] = ns
		}
	}

	return r, nil
}

// Register adds or replaces a factory.
func (r *ModuleRegistry) Register(name string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	r.origins[name] = ""
}

// Lookup returns the factory for name or fails with ModuleNotFound.
func (r *ModuleRegistry) Lookup(name string) (ModuleFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, NewModuleNotFoundError(name)
	}
	return f, nil
}

// Names returns the registered module names, sorted.
func (r *ModuleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
