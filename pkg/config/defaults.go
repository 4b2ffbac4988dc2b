package config

import (
	"path/filepath"

	"github.com/storyplayer/storyplayer/pkg/engine"
)

// Search root keys under the "configs" section.
const (
	ConfigsDevices          = "devices"
	ConfigsSystemsUnderTest = "systemsUnderTest"
	ConfigsTestEnvironments = "testEnvironments"
)

// DefaultFilePattern matches the config files picked up under each search root.
const DefaultFilePattern = `\.(json|ya?ml)`

// DefaultConfig returns the built-in configuration layer for a project rooted at cwd.
func DefaultConfig(cwd string) *Tree {
	t := NewTree()

	phases := NewMap()
	defaults := engine.DefaultPhaseGroups()
	for _, name := range engine.FixedGroups {
		group := NewMap()
		for _, h := range defaults[name].Handlers {
			group.Set(h.Name, Bool(h.Enabled))
		}
		phases.Set(name, MapValue(group))
	}
	t.root.Set("phases", MapValue(phases))

	base := filepath.Join(cwd, ".storyplayer")
	configs := NewMap()
	configs.Set(ConfigsDevices, List(String(filepath.Join(base, "devices"))))
	configs.Set(ConfigsSystemsUnderTest, List(String(filepath.Join(base, "systems-under-test"))))
	configs.Set(ConfigsTestEnvironments, List(String(filepath.Join(base, "test-environments"))))
	t.root.Set("configs", MapValue(configs))

	settings := NewMap()
	runtime := NewMap()
	runtime.Set("backend", String("file"))
	runtime.Set("path", String(filepath.Join(base, "runtime.json")))
	settings.Set("runtime", MapValue(runtime))
	history := NewMap()
	history.Set("enabled", Bool(false))
	history.Set("path", String(filepath.Join(base, "history.db")))
	settings.Set("history", MapValue(history))
	t.root.Set("storyplayer", MapValue(settings))

	return t
}

// SearchRoots returns every directory listed under "configs", in section order.
func SearchRoots(t *Tree) ([]string, error) {
	v, err := t.Lookup("configs")
	if err != nil {
		if engine.HasCode(err, engine.ErrCodePathNotFound) {
			return nil, nil
		}
		return nil, err
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, engine.NewInvalidConfigError("'configs' must be a mapping", nil).WithResource("configs")
	}

	var roots []string
	for _, k := range m.Keys() {
		item, _ := m.Get(k)
		dirs, err := stringList("configs."+k, item)
		if err != nil {
			return nil, engine.NewInvalidConfigError("search roots must be a list of strings", err).WithResource("configs." + k)
		}
		roots = append(roots, dirs...)
	}
	return roots, nil
}
