package crdt

import (
	"maps"
	"slices"

	"github.com/google/uuid"
)

// tagSet is a set of unique add tags.
type tagSet map[string]struct{}

func (s tagSet) clone() tagSet {
	out := make(tagSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func (s tagSet) sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

func newTag() string { return uuid.NewString() }

// ORSet is an observed-remove set of strings.
//
// Every add mints a unique tag. A remove tombstones only the tags the local
// replica has observed for that element, so an add that the remover never saw
// survives the remove.
type ORSet struct {
	replica Replica
	adds    map[string]tagSet // element -> live tags
	removed tagSet
	delta   *ORSet
}

// NewORSet creates an empty set bound to r.
func NewORSet(r Replica) *ORSet {
	return &ORSet{
		replica: r,
		adds:    make(map[string]tagSet),
		removed: make(tagSet),
	}
}

func (s *ORSet) Type() Type { return TypeORSet }

// Value returns the elements in sorted order.
func (s *ORSet) Value() any { return s.Elements() }

// Elements returns the live elements in sorted order.
func (s *ORSet) Elements() []string {
	out := make([]string, 0, len(s.adds))
	for e, tags := range s.adds {
		if len(tags) > 0 {
			out = append(out, e)
		}
	}
	slices.Sort(out)
	return out
}

// Contains reports whether element is live.
func (s *ORSet) Contains(element string) bool {
	return len(s.adds[element]) > 0
}

// Len returns the number of live elements.
func (s *ORSet) Len() int { return len(s.adds) }

// Tags returns the live tags of element in sorted order.
func (s *ORSet) Tags(element string) []string {
	return s.adds[element].sorted()
}

// Add inserts element under a fresh tag.
func (s *ORSet) Add(element string) {
	s.addTag(element, newTag())
}

func (s *ORSet) addTag(element, tag string) {
	if s.adds[element] == nil {
		s.adds[element] = make(tagSet)
	}
	s.adds[element][tag] = struct{}{}

	d := s.pending()
	if d.adds[element] == nil {
		d.adds[element] = make(tagSet)
	}
	d.adds[element][tag] = struct{}{}
}

// Remove tombstones every observed tag of element. It reports whether the
// element was present.
func (s *ORSet) Remove(element string) bool {
	tags, ok := s.adds[element]
	if !ok {
		return false
	}
	d := s.pending()
	for tag := range tags {
		s.removed[tag] = struct{}{}
		d.removed[tag] = struct{}{}
	}
	delete(s.adds, element)
	return true
}

// Clear removes every observed element.
func (s *ORSet) Clear() {
	for _, e := range s.Elements() {
		s.Remove(e)
	}
}

func (s *ORSet) pending() *ORSet {
	if s.delta == nil {
		s.delta = NewORSet(s.replica)
	}
	return s.delta
}

func (s *ORSet) Merge(other Value) error {
	o, ok := other.(*ORSet)
	if !ok {
		return mergeTypeError(s, other)
	}

	for tag := range o.removed {
		s.removed[tag] = struct{}{}
	}
	for elem, tags := range o.adds {
		for tag := range tags {
			if _, gone := s.removed[tag]; gone {
				continue
			}
			if s.adds[elem] == nil {
				s.adds[elem] = make(tagSet)
			}
			s.adds[elem][tag] = struct{}{}
		}
	}
	// Drop local tags the other side has tombstoned.
	for elem, tags := range s.adds {
		for tag := range tags {
			if _, gone := s.removed[tag]; gone {
				delete(tags, tag)
			}
		}
		if len(tags) == 0 {
			delete(s.adds, elem)
		}
	}
	return nil
}

func (s *ORSet) Delta() Value {
	if s.delta == nil {
		return nil
	}
	return s.delta.Clone()
}

func (s *ORSet) HasDelta() bool { return s.delta != nil }

func (s *ORSet) ResetDelta() { s.delta = nil }

func (s *ORSet) Clone() Value {
	c := &ORSet{
		replica: s.replica,
		adds:    make(map[string]tagSet, len(s.adds)),
		removed: s.removed.clone(),
	}
	for e, tags := range s.adds {
		c.adds[e] = tags.clone()
	}
	return c
}

func (s *ORSet) bind(r Replica) { s.replica = r }
