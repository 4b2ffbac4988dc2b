package config

// Merge overlays src onto dst and returns the result. Mappings merge
// recursively; any other value in src replaces the value in dst.
// Neither input is modified.
func Merge(dst, src Value) Value {
	dm, dok := dst.AsMap()
	sm, sok := src.AsMap()
	if !dok || !sok {
		return src.Clone()
	}

	out := dm.Clone()
	for _, k := range sm.Keys() {
		sv, _ := sm.Get(k)
		if dv, ok := out.Get(k); ok {
			out.Set(k, Merge(dv, sv))
			continue
		}
		out.Set(k, sv.Clone())
	}
	return MapValue(out)
}

// MergeTrees merges layers left to right; later layers win.
// Nil layers are skipped.
func MergeTrees(layers ...*Tree) *Tree {
	acc := NewTree().Root()
	for _, l := range layers {
		if l == nil {
			continue
		}
		acc = Merge(acc, l.Root())
	}
	m, _ := acc.AsMap()
	return TreeFrom(m)
}

// MergeInto overlays src onto t in place.
func (t *Tree) MergeInto(src *Tree) {
	if src == nil {
		return
	}
	m, _ := Merge(t.Root(), src.Root()).AsMap()
	t.root = m
}
