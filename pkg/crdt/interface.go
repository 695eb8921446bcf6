// Package crdt implements the replicated values an entity can own.
//
// Every variant is a delta-state CRDT: local mutations are recorded both in
// the full state and in a pending delta, and the delta is itself a value of
// the same variant. Applying a delta on another replica is an ordinary Merge,
// so redelivery and reordering never change the converged result.
//
// Values are not safe for concurrent use. The owning entity serializes access.
package crdt

import (
	"fmt"

	"github.com/mgudmund/cloudstate/pkg/hlc"
)

// Type identifies a CRDT variant.
type Type byte

const (
	TypeCounter  Type = 0x01
	TypeFlag     Type = 0x02
	TypeRegister Type = 0x03
	TypeORSet    Type = 0x04
	TypeORMap    Type = 0x05
	TypeVote     Type = 0x06
)

func (t Type) String() string {
	switch t {
	case TypeCounter:
		return "Counter"
	case TypeFlag:
		return "Flag"
	case TypeRegister:
		return "Register"
	case TypeORSet:
		return "ORSet"
	case TypeORMap:
		return "ORMap"
	case TypeVote:
		return "Vote"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// Valid reports whether t names a known variant.
func (t Type) Valid() bool {
	return t >= TypeCounter && t <= TypeVote
}

// Replica identifies the local replica a value is bound to. Counter and Vote
// slots and register writer ids come from ID; Register timestamps come from
// Clock.
type Replica struct {
	ID    string
	Clock *hlc.Clock
}

func (r Replica) clock() *hlc.Clock {
	if r.Clock == nil {
		return fallbackClock
	}
	return r.Clock
}

var fallbackClock = hlc.New()

// Value is the common interface of all CRDT variants.
type Value interface {
	// Type returns the variant tag.
	Type() Type

	// Value returns the user-facing value.
	Value() any

	// Merge folds another state or delta of the same variant into this one.
	// It is idempotent, commutative and associative. A different variant
	// yields an error wrapping ErrUnmergeable and leaves the value untouched.
	Merge(other Value) error

	// Delta returns the mutations made since the last ResetDelta, or nil.
	Delta() Value

	// HasDelta reports whether there are unpublished local mutations.
	HasDelta() bool

	// ResetDelta discards the pending delta.
	ResetDelta()

	// Clone returns a deep copy bound to the same replica with no pending delta.
	Clone() Value

	bind(r Replica)
}

// New creates an empty value of type t bound to r.
func New(t Type, r Replica) (Value, error) {
	switch t {
	case TypeCounter:
		return NewCounter(r), nil
	case TypeFlag:
		return NewFlag(r), nil
	case TypeRegister:
		return NewRegister(r), nil
	case TypeORSet:
		return NewORSet(r), nil
	case TypeORMap:
		return NewORMap(r), nil
	case TypeVote:
		return NewVote(r), nil
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidOp, byte(t))
	}
}

// FromDelta bootstraps a fresh replica from a remote delta or state.
func FromDelta(d Value, r Replica) (Value, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil delta", ErrInvalidOp)
	}
	v, err := New(d.Type(), r)
	if err != nil {
		return nil, err
	}
	if err := v.Merge(d); err != nil {
		return nil, err
	}
	return v, nil
}

// Rebind returns a deep copy of v bound to r.
func Rebind(v Value, r Replica) Value {
	c := v.Clone()
	c.bind(r)
	return c
}

// Compatible reports whether b can be merged into a, descending into maps.
func Compatible(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type() != b.Type() {
		return false
	}
	am, ok := a.(*ORMap)
	if !ok {
		return true
	}
	bm := b.(*ORMap)
	for k, btags := range bm.entries {
		for _, bv := range btags {
			for _, av := range am.entries[k] {
				if !Compatible(av, bv) {
					return false
				}
			}
		}
	}
	return true
}

func mergeTypeError(local Value, other Value) error {
	if other == nil {
		return fmt.Errorf("%w: cannot merge nil into %s", ErrInvalidOp, local.Type())
	}
	return &UnmergeableError{Local: local.Type(), Remote: other.Type()}
}
