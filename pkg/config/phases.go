package config

import (
	"fmt"

	"github.com/storyplayer/storyplayer/pkg/engine"
)

// PhaseGroups builds the pipeline's group definitions from the "phases"
// section. Handler order is the order of the keys in the merged document.
// Entries must be booleans; anything else fails with InvalidConfig.
func PhaseGroups(t *Tree) (engine.PhaseGroups, error) {
	v, err := t.Lookup("phases")
	if err != nil {
		return nil, engine.NewInvalidConfigError("no phase groups configured", err).WithResource("phases")
	}
	section, ok := v.AsMap()
	if !ok {
		return nil, engine.NewInvalidConfigError("'phases' must be a mapping", nil).WithResource("phases")
	}

	groups := make(engine.PhaseGroups)
	for _, name := range section.Keys() {
		if name == "namespaces" {
			continue
		}
		gv, _ := section.Get(name)
		gm, ok := gv.AsMap()
		if !ok {
			return nil, engine.NewInvalidConfigError(
				fmt.Sprintf("phase group '%s' must map handler names to booleans", name), nil).
				WithResource("phases." + name)
		}

		group := engine.PhaseGroup{Name: name}
		for _, handler := range gm.Keys() {
			hv, _ := gm.Get(handler)
			enabled, ok := hv.AsBool()
			if !ok {
				return nil, engine.NewInvalidConfigError(
					fmt.Sprintf("handler '%s' must be true or false, found %s", handler, hv.Kind()), nil).
					WithResource("phases." + name + "." + handler)
			}
			group.Handlers = append(group.Handlers, engine.HandlerToggle{Name: handler, Enabled: enabled})
		}
		groups[name] = group
	}
	return groups, nil
}
