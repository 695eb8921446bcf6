package crdt

import (
	"fmt"
	"slices"
)

// ORMap maps string keys to nested values with observed-remove key semantics.
//
// Every add of a key mints a tag, and the nested value lives under that tag.
// Removing a key tombstones the tags this replica has observed and drops the
// values stored under them, together with any concurrent update made under a
// removed tag. A later add mints a new tag and starts from an empty value.
//
// Concurrent adds of one key leave several live tags. Reads see the merge of
// their values; writes go to the smallest tag, which first absorbs the others.
//
// ORMap is the recommended container for many small deletable items: removing
// a key is cheap, while deleting an entity leaves a permanent tombstone.
type ORMap struct {
	replica Replica
	entries map[string]map[string]Value
	removed tagSet

	pending *ormapPending
}

// ormapPending records key-level changes since the last ResetDelta. Nested
// changes are collected from the values themselves.
type ormapPending struct {
	// full holds key/tag pairs whose whole value goes into the next delta.
	full    map[string]tagSet
	removed tagSet
}

// NewORMap creates an empty map bound to r.
func NewORMap(r Replica) *ORMap {
	return &ORMap{
		replica: r,
		entries: make(map[string]map[string]Value),
		removed: make(tagSet),
	}
}

func (m *ORMap) Type() Type { return TypeORMap }

// Value returns the user-facing values of the live keys.
func (m *ORMap) Value() any {
	out := make(map[string]any, len(m.entries))
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		out[k] = v.Value()
	}
	return out
}

// Keys returns the live keys in sorted order.
func (m *ORMap) Keys() []string {
	return sortedKeys(m.entries)
}

// Len returns the number of live keys.
func (m *ORMap) Len() int { return len(m.entries) }

// Has reports whether key is live.
func (m *ORMap) Has(key string) bool {
	return len(m.entries[key]) > 0
}

// Get returns the nested value of a live key for reading. When concurrent
// adds left several tags the result is a merged copy; use GetOrCreate or
// Update to mutate.
func (m *ORMap) Get(key string) (Value, bool) {
	tags := m.entries[key]
	if len(tags) == 0 {
		return nil, false
	}
	target := smallestTag(tags)
	if len(tags) == 1 {
		return tags[target], true
	}
	view := tags[target].Clone()
	for tag, v := range tags {
		if tag != target {
			// Merge admits only compatible values under one key, so this
			// cannot fail.
			_ = view.Merge(v)
		}
	}
	return view, true
}

// GetOrCreate returns the nested value for key, creating an empty value of
// type t under a new tag when the key is absent. Mutations on the returned
// value are part of the map's delta.
func (m *ORMap) GetOrCreate(key string, t Type) (Value, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidOp)
	}

	tags := m.entries[key]
	if len(tags) == 0 {
		v, err := New(t, m.replica)
		if err != nil {
			return nil, err
		}
		tag := newTag()
		m.put(key, tag, v)
		m.markFull(key, tag)
		return v, nil
	}

	target := smallestTag(tags)
	v := tags[target]
	if v.Type() != t {
		return nil, &UnmergeableError{Local: v.Type(), Remote: t}
	}
	if len(tags) > 1 {
		for tag, other := range tags {
			if tag == target {
				continue
			}
			if err := v.Merge(other); err != nil {
				return nil, fmt.Errorf("fold key %q: %w", key, err)
			}
		}
		m.markFull(key, target)
	}
	return v, nil
}

// Update runs fn on the nested value for key, creating it with type t first
// when needed. A failing fn leaves the key added but its error is returned.
func (m *ORMap) Update(key string, t Type, fn func(Value) error) error {
	v, err := m.GetOrCreate(key, t)
	if err != nil {
		return err
	}
	return fn(v)
}

// Remove tombstones the observed tags of key and drops their values. It
// reports whether the key was live.
func (m *ORMap) Remove(key string) bool {
	tags, ok := m.entries[key]
	if !ok {
		return false
	}
	p := m.pendingChanges()
	for tag := range tags {
		m.removed[tag] = struct{}{}
		p.removed[tag] = struct{}{}
	}
	delete(p.full, key)
	delete(m.entries, key)
	return true
}

func (m *ORMap) put(key, tag string, v Value) {
	if m.entries[key] == nil {
		m.entries[key] = make(map[string]Value)
	}
	m.entries[key][tag] = v
}

func (m *ORMap) markFull(key, tag string) {
	p := m.pendingChanges()
	if p.full[key] == nil {
		p.full[key] = make(tagSet)
	}
	p.full[key][tag] = struct{}{}
}

func (m *ORMap) pendingChanges() *ormapPending {
	if m.pending == nil {
		m.pending = &ormapPending{full: make(map[string]tagSet), removed: make(tagSet)}
	}
	return m.pending
}

func smallestTag(tags map[string]Value) string {
	return slices.Min(sortedKeys(tags))
}

func (m *ORMap) Merge(other Value) error {
	o, ok := other.(*ORMap)
	if !ok {
		return mergeTypeError(m, other)
	}
	if !Compatible(m, o) {
		return &UnmergeableError{Local: TypeORMap, Remote: TypeORMap}
	}

	for tag := range o.removed {
		m.removed[tag] = struct{}{}
	}
	for key, tags := range m.entries {
		for tag := range tags {
			if _, gone := m.removed[tag]; gone {
				delete(tags, tag)
			}
		}
		if len(tags) == 0 {
			delete(m.entries, key)
		}
	}

	for key, tags := range o.entries {
		for tag, ov := range tags {
			if _, gone := m.removed[tag]; gone {
				continue
			}
			local, ok := m.entries[key][tag]
			if !ok {
				m.put(key, tag, Rebind(ov, m.replica))
				continue
			}
			if err := local.Merge(ov); err != nil {
				return fmt.Errorf("merge key %q: %w", key, err)
			}
		}
	}
	return nil
}

func (m *ORMap) Delta() Value {
	if !m.HasDelta() {
		return nil
	}
	d := NewORMap(m.replica)
	if m.pending != nil {
		d.removed = m.pending.removed.clone()
	}
	for key, tags := range m.entries {
		for tag, v := range tags {
			full := false
			if m.pending != nil {
				_, full = m.pending.full[key][tag]
			}
			switch {
			case full:
				d.put(key, tag, v.Clone())
			case v.HasDelta():
				d.put(key, tag, v.Delta())
			}
		}
	}
	return d
}

func (m *ORMap) HasDelta() bool {
	if m.pending != nil {
		return true
	}
	for _, tags := range m.entries {
		for _, v := range tags {
			if v.HasDelta() {
				return true
			}
		}
	}
	return false
}

func (m *ORMap) ResetDelta() {
	m.pending = nil
	for _, tags := range m.entries {
		for _, v := range tags {
			v.ResetDelta()
		}
	}
}

func (m *ORMap) Clone() Value {
	c := &ORMap{
		replica: m.replica,
		entries: make(map[string]map[string]Value, len(m.entries)),
		removed: m.removed.clone(),
	}
	for key, tags := range m.entries {
		for tag, v := range tags {
			c.put(key, tag, v.Clone())
		}
	}
	return c
}

func (m *ORMap) bind(r Replica) {
	m.replica = r
	for _, tags := range m.entries {
		for _, v := range tags {
			v.bind(r)
		}
	}
}
