package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/storyplayer/storyplayer/pkg/engine"
	"gopkg.in/yaml.v3"
)

// LoadFile parses a YAML or JSON configuration file.
// Mapping keys keep their document order.
func LoadFile(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewInvalidConfigError("cannot read config file", err).WithResource(path)
	}
	t, err := Parse(data)
	if err != nil {
		if ee, ok := err.(*engine.EngineError); ok {
			return nil, ee.WithResource(path)
		}
		return nil, err
	}
	return t, nil
}

// Parse decodes a YAML or JSON document into a tree.
// An empty document yields an empty tree; a document whose top level is
// not a mapping fails with InvalidConfig.
func Parse(data []byte) (*Tree, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewTree(), nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewInvalidConfigError("cannot parse config file", err)
	}
	if doc.Kind == 0 {
		return NewTree(), nil
	}

	v, err := fromNode(&doc)
	if err != nil {
		return nil, engine.NewInvalidConfigError("cannot parse config file", err)
	}
	if v.IsNull() {
		return NewTree(), nil
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, engine.NewInvalidConfigError(
			fmt.Sprintf("top level of a config file must be a mapping, found %s", v.Kind()), nil)
	}
	return TreeFrom(m), nil
}

func fromNode(n *yaml.Node) (Value, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return Null(), nil
		}
		return fromNode(n.Content[0])

	case yaml.AliasNode:
		return fromNode(n.Alias)

	case yaml.MappingNode:
		m := NewMap()
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if key.Tag == "!!merge" {
				if err := mergeAnchor(m, val); err != nil {
					return Null(), err
				}
				continue
			}
			v, err := fromNode(val)
			if err != nil {
				return Null(), err
			}
			m.Set(key.Value, v)
		}
		return MapValue(m), nil

	case yaml.SequenceNode:
		items := make([]Value, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := fromNode(c)
			if err != nil {
				return Null(), err
			}
			items = append(items, v)
		}
		return List(items...), nil

	case yaml.ScalarNode:
		var raw interface{}
		if err := n.Decode(&raw); err != nil {
			return Null(), fmt.Errorf("line %d: %w", n.Line, err)
		}
		return FromPlain(raw)
	}
	return Null(), fmt.Errorf("line %d: unsupported YAML node", n.Line)
}

// mergeAnchor applies a YAML "<<" key. Keys already present win.
func mergeAnchor(m *Map, n *yaml.Node) error {
	sources := []*yaml.Node{n}
	if n.Kind == yaml.SequenceNode {
		sources = n.Content
	}
	for _, src := range sources {
		v, err := fromNode(src)
		if err != nil {
			return err
		}
		sm, ok := v.AsMap()
		if !ok {
			return fmt.Errorf("line %d: merge key needs a mapping", src.Line)
		}
		for _, k := range sm.Keys() {
			if _, exists := m.Get(k); !exists {
				sv, _ := sm.Get(k)
				m.Set(k, sv)
			}
		}
	}
	return nil
}
