package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/storyplayer/storyplayer/pkg/engine"
)

// Tree is a configuration tree addressed by dotted paths such as
// "phases.story.Action".
type Tree struct {
	root *Map
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{root: NewMap()}
}

// TreeFrom wraps m. The tree takes ownership of m.
func TreeFrom(m *Map) *Tree {
	if m == nil {
		m = NewMap()
	}
	return &Tree{root: m}
}

// TreeFromPlain builds a tree from a decoded Go map.
func TreeFromPlain(in map[string]interface{}) (*Tree, error) {
	v, err := FromPlain(in)
	if err != nil {
		return nil, err
	}
	m, _ := v.AsMap()
	return TreeFrom(m), nil
}

// Root returns the top-level mapping as a Value.
func (t *Tree) Root() Value {
	return MapValue(t.root)
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	return &Tree{root: t.root.Clone()}
}

// ToPlain returns the tree as nested Go maps.
func (t *Tree) ToPlain() map[string]interface{} {
	out, _ := t.Root().Plain().(map[string]interface{})
	return out
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Lookup returns the value at path. An empty path returns the root.
// It fails with PathNotFound when a segment is absent and with
// TypeMismatch when a segment is not a mapping.
func (t *Tree) Lookup(path string) (Value, error) {
	cur := t.Root()
	walked := make([]string, 0, 4)
	for _, seg := range splitPath(path) {
		m, ok := cur.AsMap()
		if !ok {
			return Null(), engine.NewTypeMismatchError(strings.Join(walked, "."), KindMap.String(), cur.Kind().String())
		}
		walked = append(walked, seg)
		next, ok := m.Get(seg)
		if !ok {
			return Null(), engine.NewPathNotFoundError(strings.Join(walked, "."))
		}
		cur = next
	}
	return cur, nil
}

// Has reports whether a value exists at path.
func (t *Tree) Has(path string) bool {
	_, err := t.Lookup(path)
	return err == nil
}

// Set stores v at path, creating intermediate mappings.
// A non-mapping value on the way fails with TypeMismatch.
func (t *Tree) Set(path string, v Value) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		m, ok := v.AsMap()
		if !ok {
			return engine.NewTypeMismatchError("", KindMap.String(), v.Kind().String())
		}
		t.root = m
		return nil
	}

	cur := t.root
	for i, seg := range segs[:len(segs)-1] {
		next, ok := cur.Get(seg)
		if !ok {
			child := NewMap()
			cur.Set(seg, MapValue(child))
			cur = child
			continue
		}
		child, ok := next.AsMap()
		if !ok {
			return engine.NewTypeMismatchError(strings.Join(segs[:i+1], "."), KindMap.String(), next.Kind().String())
		}
		cur = child
	}
	cur.Set(segs[len(segs)-1], v)
	return nil
}

// SetPlain converts in and stores it at path.
func (t *Tree) SetPlain(path string, in interface{}) error {
	v, err := FromPlain(in)
	if err != nil {
		return engine.NewInvalidConfigError(fmt.Sprintf("cannot store value at '%s'", path), err)
	}
	return t.Set(path, v)
}

// Delete removes the value at path. It reports whether anything was removed.
func (t *Tree) Delete(path string) bool {
	segs := splitPath(path)
	if len(segs) == 0 {
		return false
	}
	parent, err := t.Lookup(strings.Join(segs[:len(segs)-1], "."))
	if err != nil {
		return false
	}
	m, ok := parent.AsMap()
	if !ok {
		return false
	}
	return m.Delete(segs[len(segs)-1])
}

// GetString returns the string at path.
func (t *Tree) GetString(path string) (string, error) {
	v, err := t.Lookup(path)
	if err != nil {
		return "", err
	}
	s, ok := v.AsString()
	if !ok {
		return "", engine.NewTypeMismatchError(path, KindString.String(), v.Kind().String())
	}
	return s, nil
}

// GetBool returns the boolean at path.
func (t *Tree) GetBool(path string) (bool, error) {
	v, err := t.Lookup(path)
	if err != nil {
		return false, err
	}
	b, ok := v.AsBool()
	if !ok {
		return false, engine.NewTypeMismatchError(path, KindBool.String(), v.Kind().String())
	}
	return b, nil
}

// GetNumber returns the number at path.
func (t *Tree) GetNumber(path string) (float64, error) {
	v, err := t.Lookup(path)
	if err != nil {
		return 0, err
	}
	n, ok := v.AsNumber()
	if !ok {
		return 0, engine.NewTypeMismatchError(path, KindNumber.String(), v.Kind().String())
	}
	return n, nil
}

// GetStrings returns the list of strings at path.
func (t *Tree) GetStrings(path string) ([]string, error) {
	v, err := t.Lookup(path)
	if err != nil {
		return nil, err
	}
	return stringList(path, v)
}

func stringList(path string, v Value) ([]string, error) {
	items, ok := v.AsList()
	if !ok {
		return nil, engine.NewTypeMismatchError(path, KindList.String(), v.Kind().String())
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.AsString()
		if !ok {
			return nil, engine.NewTypeMismatchError(fmt.Sprintf("%s[%d]", path, i), KindString.String(), item.Kind().String())
		}
		out = append(out, s)
	}
	return out, nil
}

// GetMap returns the mapping at path in plain Go form.
func (t *Tree) GetMap(path string) (map[string]interface{}, error) {
	v, err := t.Lookup(path)
	if err != nil {
		return nil, err
	}
	if _, ok := v.AsMap(); !ok {
		return nil, engine.NewTypeMismatchError(path, KindMap.String(), v.Kind().String())
	}
	return v.Plain().(map[string]interface{}), nil
}

// Subtree returns a copy of the mapping at path as its own tree.
func (t *Tree) Subtree(path string) (*Tree, error) {
	v, err := t.Lookup(path)
	if err != nil {
		return nil, err
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, engine.NewTypeMismatchError(path, KindMap.String(), v.Kind().String())
	}
	return TreeFrom(m.Clone()), nil
}

// Decode copies the value at path into out using mapstructure tags.
// Strings such as "10s" decode into time.Duration fields.
func (t *Tree) Decode(path string, out interface{}) error {
	v, err := t.Lookup(path)
	if err != nil {
		return err
	}
	return DecodeValue(v.Plain(), out)
}

// DecodeValue decodes a plain Go value into out using mapstructure tags.
func DecodeValue(in interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return engine.NewInvalidConfigError("cannot decode configuration", err)
	}
	return nil
}

var _ engine.Config = (*Tree)(nil)
