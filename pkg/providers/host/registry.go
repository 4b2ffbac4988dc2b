package host

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/storyplayer/storyplayer/pkg/engine"
)

// Factory builds a backend from its settings block.
type Factory func(ctx context.Context, deps Deps, settings map[string]interface{}) (Backend, error)

// Registry maps backend names to factories and caches the built backends.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// factories maps backend name to its factory.
	factories map[string]Factory

	// backends maps backend name to the instance built for this run.
	backends map[string]Backend

	// settings maps backend name to its settings block.
	settings map[string]map[string]interface{}

	deps Deps
}

// NewRegistry returns a registry with no backends.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		backends:  make(map[string]Backend),
		settings:  make(map[string]map[string]interface{}),
		deps:      deps,
	}
}

// NewDefaultRegistry returns a registry with the ec2, blackbox and vagrant backends.
// settings holds one block per backend name, usually the resolved
// storyplayer.backends section.
func NewDefaultRegistry(deps Deps, settings map[string]interface{}) *Registry {
	r := NewRegistry(deps)
	r.Register(BackendEC2, newEC2FromSettings)
	r.Register(BackendBlackbox, func(_ context.Context, deps Deps, _ map[string]interface{}) (Backend, error) {
		return NewBlackboxBackend(deps), nil
	})
	r.Register(BackendVagrant, newVagrantFromSettings)
	for name, block := range settings {
		if m, ok := block.(map[string]interface{}); ok {
			r.Configure(name, m)
		}
	}
	return r
}

// Register adds or replaces the factory for name and drops any cached instance.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = f
	delete(r.backends, name)
}

// Configure sets the settings block passed to name's factory.
func (r *Registry) Configure(name string, settings map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.settings[name] = settings
	delete(r.backends, name)
}

// Get returns the backend for name, building it on first use.
func (r *Registry) Get(ctx context.Context, name string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, exists := r.backends[name]; exists {
		return b, nil
	}

	f, exists := r.factories[name]
	if !exists {
		return nil, engine.NewModuleNotFoundError("backend " + name)
	}

	b, err := f(ctx, r.deps, r.settings[name])
	if err != nil {
		return nil, fmt.Errorf("failed to create backend %s: %w", name, err)
	}
	r.backends[name] = b

	return b, nil
}

// List returns the registered backend names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EC2Settings configure the EC2 backend.
type EC2Settings struct {
	Region  string     `mapstructure:"region"`
	Options EC2Options `mapstructure:",squash"`
}

func newEC2FromSettings(ctx context.Context, deps Deps, settings map[string]interface{}) (Backend, error) {
	s := EC2Settings{Options: DefaultEC2Options()}
	if err := decodeSettings(settings, &s); err != nil {
		return nil, err
	}
	api, err := NewAWSInstanceAPI(ctx, s.Region)
	if err != nil {
		return nil, err
	}
	return NewEC2Backend(api, deps, s.Options), nil
}

func newVagrantFromSettings(_ context.Context, deps Deps, settings map[string]interface{}) (Backend, error) {
	opts := DefaultVagrantOptions()
	if err := decodeSettings(settings, &opts); err != nil {
		return nil, err
	}
	return NewVagrantBackend(ExecRunner{}, deps, opts), nil
}

func decodeSettings(settings map[string]interface{}, out interface{}) error {
	if len(settings) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(settings); err != nil {
		return engine.NewInvalidConfigError("cannot decode backend settings", err)
	}
	if err := validate.Struct(out); err != nil {
		return engine.NewInvalidConfigError("invalid backend settings", err)
	}
	return nil
}
