package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/storyplayer/storyplayer/pkg/config"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
)

// EnvironmentsSection is the config section describing test environments.
const EnvironmentsSection = "environments"

// Environment builds the hosts of a named test environment group by group.
type Environment struct {
	name     string
	groups   []*GroupSpec
	backends *Registry
	registry *hosts.Registry
	logger   zerolog.Logger
}

// NewEnvironment returns an environment over already parsed groups.
func NewEnvironment(name string, groups []*GroupSpec, backends *Registry, registry *hosts.Registry) *Environment {
	return &Environment{
		name:     name,
		groups:   groups,
		backends: backends,
		registry: registry,
		logger:   log.Logger.With().Str("component", "environment").Str("environment", name).Logger(),
	}
}

// LoadEnvironment reads environments.<name> from t.
func LoadEnvironment(t *config.Tree, name string, backends *Registry, registry *hosts.Registry) (*Environment, error) {
	groups, err := ParseGroups(t, name)
	if err != nil {
		return nil, err
	}
	return NewEnvironment(name, groups, backends, registry), nil
}

// Name implements engine.Environment.
func (e *Environment) Name() string { return e.name }

// Groups returns the environment's groups in config order.
func (e *Environment) Groups() []*GroupSpec { return e.groups }

// Construct creates every group in order and stops at the first failure.
// Hosts created before the failure stay registered so Destroy can reach them.
func (e *Environment) Construct(ctx context.Context) error {
	for i, g := range e.groups {
		b, err := e.backends.Get(ctx, g.Backend)
		if err != nil {
			return err
		}
		e.logger.Info().Int("group", i).Str("backend", g.Backend).Int("machines", len(g.Machines)).Msg("creating hosts")
		if err := b.CreateHost(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

// Destroy tears down every registered host, last group first.
// It keeps going after a failure and returns all failures joined.
func (e *Environment) Destroy(ctx context.Context) error {
	var errs []error
	for i := len(e.groups) - 1; i >= 0; i-- {
		g := e.groups[i]
		b, err := e.backends.Get(ctx, g.Backend)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for j := len(g.Machines) - 1; j >= 0; j-- {
			id := g.Machines[j].ID
			d, ok := e.registry.GetHost(id)
			if !ok || !d.Provisioned {
				e.logger.Debug().Str("host_id", id).Msg("host was never provisioned, skipping")
				continue
			}
			if err := b.DestroyHost(ctx, id); err != nil {
				e.logger.Error().Err(err).Str("host_id", id).Msg("failed to destroy host")
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ParseGroups reads the groups of environments.<name>.
//
// Layout:
//
//	environments:
//	  <name>:
//	    groups:
//	      - backend: ec2
//	        amiId: ami-123        # group parameters
//	        machines:
//	          web1:
//	            roles: [web]
//	            instanceType: t2.small   # machine parameters
func ParseGroups(t *config.Tree, name string) ([]*GroupSpec, error) {
	path := EnvironmentsSection + "." + name + ".groups"
	v, err := t.Lookup(path)
	if err != nil {
		return nil, err
	}
	items, ok := v.AsList()
	if !ok {
		return nil, engine.NewTypeMismatchError(path, "list", v.Kind().String())
	}

	groups := make([]*GroupSpec, 0, len(items))
	for i, item := range items {
		at := fmt.Sprintf("%s[%d]", path, i)
		m, ok := item.AsMap()
		if !ok {
			return nil, engine.NewTypeMismatchError(at, "map", item.Kind().String())
		}
		g, err := parseGroup(at, name, m)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func parseGroup(at, environment string, m *config.Map) (*GroupSpec, error) {
	g := &GroupSpec{Environment: environment, Params: make(map[string]interface{})}

	for _, key := range m.Keys() {
		v, _ := m.Get(key)
		switch key {
		case "backend":
			s, ok := v.AsString()
			if !ok {
				return nil, engine.NewTypeMismatchError(at+".backend", "string", v.Kind().String())
			}
			g.Backend = s
		case "machines":
			machines, ok := v.AsMap()
			if !ok {
				return nil, engine.NewTypeMismatchError(at+".machines", "map", v.Kind().String())
			}
			for _, id := range machines.Keys() {
				mv, _ := machines.Get(id)
				spec, err := parseMachine(at+".machines."+id, id, mv)
				if err != nil {
					return nil, err
				}
				g.Machines = append(g.Machines, spec)
			}
		default:
			g.Params[key] = v.Plain()
		}
	}

	if g.Backend == "" {
		return nil, engine.NewMissingParameterError("backend", "parseEnvironment").WithResource(at)
	}
	return g, nil
}

func parseMachine(at, id string, v config.Value) (MachineSpec, error) {
	spec := MachineSpec{ID: id, Params: make(map[string]interface{})}
	if v.IsNull() {
		return spec, nil
	}
	m, ok := v.AsMap()
	if !ok {
		return spec, engine.NewTypeMismatchError(at, "map", v.Kind().String())
	}

	for _, key := range m.Keys() {
		field, _ := m.Get(key)
		if key != "roles" {
			spec.Params[key] = field.Plain()
			continue
		}
		list, ok := field.AsList()
		if !ok {
			return spec, engine.NewTypeMismatchError(at+".roles", "list", field.Kind().String())
		}
		spec.Roles = make([]string, 0, len(list))
		for _, r := range list {
			s, ok := r.AsString()
			if !ok {
				return spec, engine.NewTypeMismatchError(at+".roles", "list of strings", r.Kind().String())
			}
			spec.Roles = append(spec.Roles, s)
		}
	}
	return spec, nil
}

var _ engine.Environment = (*Environment)(nil)
