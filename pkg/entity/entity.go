package entity

import (
	"sync"

	"github.com/mgudmund/cloudstate/pkg/crdt"
)

// Entity is one unit of replicated state. It moves from uncreated (no value)
// to active (value present) to deleted, and never leaves deleted.
//
// Commands mutate the value only through Runtime, one at a time. Replication
// merges into it through ApplyRemote concurrently with commands; merge is what
// makes the two paths commute.
type Entity struct {
	id string

	mu      sync.RWMutex
	replica crdt.Replica
	value   crdt.Value
	version uint64
	deleted bool
}

func newEntity(id string, r crdt.Replica) *Entity {
	return &Entity{id: id, replica: r}
}

func (e *Entity) ID() string { return e.id }

// Version returns the local version. It grows on every applied change.
func (e *Entity) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Deleted reports whether the entity has been finalized.
func (e *Entity) Deleted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deleted
}

// Created reports whether the entity currently holds a value.
func (e *Entity) Created() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value != nil
}

// Snapshot returns a copy of the current value (nil when uncreated), the
// version and the deleted flag.
func (e *Entity) Snapshot() (crdt.Value, uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.value == nil {
		return nil, e.version, e.deleted
	}
	return e.value.Clone(), e.version, e.deleted
}

// ApplyRemote merges a replicated delta or full state. A deleted entity drops
// it and reports false; an uncreated entity is bootstrapped from it. A
// variant mismatch leaves the entity untouched and returns an error wrapping
// crdt.ErrUnmergeable.
func (e *Entity) ApplyRemote(v crdt.Value) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return false, nil
	}
	if e.value == nil {
		nv, err := crdt.FromDelta(v, e.replica)
		if err != nil {
			return false, err
		}
		e.value = nv
		e.version++
		return true, nil
	}
	if err := e.value.Merge(v); err != nil {
		return false, err
	}
	e.version++
	return true, nil
}

// commit folds a command's outcome into the stored value. created is the
// value made by the command, or nil; delta is the pending delta of the
// command's working copy.
func (e *Entity) commit(created, delta crdt.Value) (crdt.Value, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return nil, 0, ErrEntityDeleted
	}
	switch {
	case created != nil:
		if e.value != nil {
			return nil, 0, ErrAlreadyCreated
		}
		e.value = created.Clone()
	case delta != nil:
		if e.value == nil {
			return nil, 0, ErrNotCreated
		}
		if err := e.value.Merge(delta); err != nil {
			return nil, 0, err
		}
	}
	e.version++
	return e.value.Clone(), e.version, nil
}

// markDeleted finalizes the entity and discards its value.
func (e *Entity) markDeleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return false
	}
	e.deleted = true
	e.value = nil
	e.version++
	return true
}

func (e *Entity) restore(v crdt.Value, version uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = v
	e.version = version
}
