package entity

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/mgudmund/cloudstate/pkg/crdt"
	"github.com/mgudmund/cloudstate/pkg/hlc"
	"github.com/mgudmund/cloudstate/pkg/tombstone"
)

// Table holds the entities known to this process.
type Table struct {
	replica crdt.Replica
	ledger  tombstone.Ledger
	states  StateStore

	mu       sync.Mutex
	entities map[string]*Entity
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithStateStore persists sealed values in s.
func WithStateStore(s StateStore) TableOption {
	return func(t *Table) {
		t.states = s
	}
}

// NewTable creates a table for the local replica. A replica without a clock
// gets a fresh one.
func NewTable(r crdt.Replica, ledger tombstone.Ledger, opts ...TableOption) *Table {
	if r.Clock == nil {
		r.Clock = hlc.New()
	}
	t := &Table{
		replica:  r,
		ledger:   ledger,
		entities: make(map[string]*Entity),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) Replica() crdt.Replica { return t.replica }

func (t *Table) Ledger() tombstone.Ledger { return t.ledger }

// Get returns the entity for id, loading its tombstone and persisted
// snapshot on first use. Loading happens outside the table lock; when two
// callers load the same id, the first to insert wins.
func (t *Table) Get(ctx context.Context, id string) (*Entity, error) {
	t.mu.Lock()
	e, ok := t.entities[id]
	t.mu.Unlock()
	if ok {
		return e, nil
	}

	loaded, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entities[id]; ok {
		return e, nil
	}
	t.entities[id] = loaded
	return loaded, nil
}

func (t *Table) load(ctx context.Context, id string) (*Entity, error) {
	e := newEntity(id, t.replica)
	deleted, err := t.ledger.IsDeleted(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("check tombstone %q: %w", id, err)
	}
	if deleted {
		e.deleted = true
		return e, nil
	}
	if t.states == nil {
		return e, nil
	}
	snap, ok, err := t.states.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", id, err)
	}
	if ok {
		v, err := crdt.Decode(snap.State, t.replica)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %q: %w", id, err)
		}
		e.restore(v, snap.Version)
	}
	return e, nil
}

// Restore loads every persisted snapshot. It returns the number of entities
// restored.
func (t *Table) Restore(ctx context.Context) (int, error) {
	if t.states == nil {
		return 0, nil
	}
	snaps, err := t.states.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	n := 0
	for _, snap := range snaps {
		e, err := t.Get(ctx, snap.EntityID)
		if err != nil {
			return n, err
		}
		if !e.Deleted() {
			n++
		}
	}
	return n, nil
}

// Entities returns the loaded entities ordered by id.
func (t *Table) Entities() []*Entity {
	t.mu.Lock()
	out := make([]*Entity, 0, len(t.entities))
	for _, e := range t.entities {
		out = append(out, e)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b *Entity) int { return strings.Compare(a.id, b.id) })
	return out
}

// Persist writes the entity's current value to the state store, or removes
// it once the entity is deleted.
func (t *Table) Persist(ctx context.Context, e *Entity) error {
	if t.states == nil {
		return nil
	}
	v, version, deleted := e.Snapshot()
	if deleted {
		return t.states.Delete(ctx, e.id)
	}
	if v == nil {
		return nil
	}
	data, err := crdt.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", e.id, err)
	}
	return t.states.Save(ctx, Snapshot{EntityID: e.id, Version: version, State: data})
}

// Finalize records a tombstone and finalizes the entity. It reports whether
// a loaded live entity was finalized by this call; repeated deletes are
// no-ops. Callers persist the change with Persist.
func (t *Table) Finalize(ctx context.Context, ts tombstone.Tombstone) (*Entity, bool, error) {
	if err := t.ledger.Record(ctx, ts); err != nil {
		return nil, false, fmt.Errorf("record tombstone %q: %w", ts.EntityID, err)
	}
	e, err := t.Get(ctx, ts.EntityID)
	if err != nil {
		return nil, false, err
	}
	return e, e.markDeleted(), nil
}
