package entity

import (
	"context"
	"fmt"

	"github.com/mgudmund/cloudstate/pkg/crdt"
	"github.com/mgudmund/cloudstate/pkg/tombstone"
)

// Factory guards the single value of an entity: it is created at most once
// and never after the entity was deleted. It is embedded in CommandContext.
type Factory struct {
	ctx      context.Context
	entityID string
	replica  crdt.Replica
	ledger   tombstone.Ledger

	value   crdt.Value
	created bool
	deleted bool
	sealed  bool
}

// Current returns the entity's value, if it has one. Replication may have
// created it on another node, so handlers check here before creating.
func (f *Factory) Current() (crdt.Value, bool) {
	if f.deleted || f.value == nil {
		return nil, false
	}
	return f.value, true
}

// Create makes the entity's value. It fails with ErrAlreadyCreated when a
// value exists and with ErrEntityDeleted when the entity has a tombstone or
// was deleted earlier in this command.
func (f *Factory) Create(t crdt.Type) (crdt.Value, error) {
	switch {
	case f.sealed:
		return nil, ErrContextSealed
	case f.deleted:
		return nil, ErrEntityDeleted
	case f.value != nil:
		return nil, ErrAlreadyCreated
	}

	gone, err := f.ledger.IsDeleted(f.ctx, f.entityID)
	if err != nil {
		return nil, fmt.Errorf("check tombstone: %w", err)
	}
	if gone {
		return nil, ErrEntityDeleted
	}

	v, err := crdt.New(t, f.replica)
	if err != nil {
		return nil, err
	}
	f.value = v
	f.created = true
	return v, nil
}

func create[T crdt.Value](f *Factory, t crdt.Type) (T, error) {
	var zero T
	v, err := f.Create(t)
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (f *Factory) NewCounter() (*crdt.Counter, error) {
	return create[*crdt.Counter](f, crdt.TypeCounter)
}

func (f *Factory) NewFlag() (*crdt.Flag, error) {
	return create[*crdt.Flag](f, crdt.TypeFlag)
}

func (f *Factory) NewRegister() (*crdt.Register, error) {
	return create[*crdt.Register](f, crdt.TypeRegister)
}

func (f *Factory) NewORSet() (*crdt.ORSet, error) {
	return create[*crdt.ORSet](f, crdt.TypeORSet)
}

func (f *Factory) NewORMap() (*crdt.ORMap, error) {
	return create[*crdt.ORMap](f, crdt.TypeORMap)
}

func (f *Factory) NewVote() (*crdt.Vote, error) {
	return create[*crdt.Vote](f, crdt.TypeVote)
}
