package config

import (
	"fmt"
	"math"
	"sort"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindBool
	KindNumber
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is one node of the configuration tree.
// The zero Value is null.
type Value struct {
	kind Kind
	str  string
	b    bool
	num  float64
	m    *Map
	list []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// MapValue wraps m. A nil map becomes an empty one.
func MapValue(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{kind: KindMap, m: m}
}

// List returns a sequence value.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number held by v.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsMap returns the mapping held by v. The map is shared, not copied.
func (v Value) AsMap() (*Map, bool) { return v.m, v.kind == KindMap }

// AsList returns the sequence held by v. The slice is shared, not copied.
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindMap:
		return MapValue(v.m.Clone())
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Clone()
		}
		return List(items...)
	default:
		return v
	}
}

// Equal reports whether v and o hold the same data.
// Mapping key order is not significant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.num == o.num
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if v.m.Len() != o.m.Len() {
			return false
		}
		for _, k := range v.m.keys {
			ov, ok := o.m.Get(k)
			if !ok || !v.m.values[k].Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Plain converts v to the Go form used by encoders and decoders:
// map[string]interface{}, []interface{}, string, bool, int64, float64 or nil.
// Whole numbers become int64.
func (v Value) Plain() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindBool:
		return v.b
	case KindNumber:
		if v.num == math.Trunc(v.num) && math.Abs(v.num) < 1<<53 {
			return int64(v.num)
		}
		return v.num
	case KindMap:
		out := make(map[string]interface{}, v.m.Len())
		for _, k := range v.m.keys {
			out[k] = v.m.values[k].Plain()
		}
		return out
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Plain()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNull:
		return "null"
	default:
		return fmt.Sprint(v.Plain())
	}
}

// FromPlain converts a decoded Go value into a Value.
// Keys of plain Go maps are sorted since their order is not defined.
func FromPlain(in interface{}) (Value, error) {
	switch x := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x.Clone(), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case float32:
		return Number(float64(x)), nil
	case float64:
		return Number(x), nil
	case []string:
		items := make([]Value, len(x))
		for i, s := range x {
			items[i] = String(s)
		}
		return List(items...), nil
	case []interface{}:
		items := make([]Value, len(x))
		for i, item := range x {
			v, err := FromPlain(item)
			if err != nil {
				return Null(), err
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]string:
		m := NewMap()
		for _, k := range sortedKeys(x) {
			m.Set(k, String(x[k]))
		}
		return MapValue(m), nil
	case map[string]interface{}:
		m := NewMap()
		for _, k := range sortedKeys(x) {
			v, err := FromPlain(x[k])
			if err != nil {
				return Null(), err
			}
			m.Set(k, v)
		}
		return MapValue(m), nil
	case map[interface{}]interface{}:
		plain := make(map[string]interface{}, len(x))
		for k, item := range x {
			plain[fmt.Sprint(k)] = item
		}
		return FromPlain(plain)
	default:
		return Null(), fmt.Errorf("unsupported configuration value of type %T", in)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map is a mapping that remembers key insertion order.
type Map struct {
	keys   []string
	values map[string]Value
}

// NewMap returns an empty mapping.
func NewMap() *Map {
	return &Map{values: make(map[string]Value)}
}

// Len returns the number of keys.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return Null(), false
	}
	v, ok := m.values[key]
	return v, ok
}

// Set stores v under key. An existing key keeps its position.
func (m *Map) Set(key string, v Value) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Delete removes key. It reports whether the key was present.
func (m *Map) Delete(key string) bool {
	if _, ok := m.values[key]; !ok {
		return false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

// Clone returns a deep copy of m.
func (m *Map) Clone() *Map {
	out := NewMap()
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		out.Set(k, m.values[k].Clone())
	}
	return out
}
