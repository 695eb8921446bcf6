package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mgudmund/cloudstate/pkg/store"
)

// Snapshot is the persisted form of an entity value.
type Snapshot struct {
	EntityID string `msgpack:"id"`
	Version  uint64 `msgpack:"v"`
	State    []byte `msgpack:"s"`
}

// StateStore persists the last sealed value of each entity so that a
// restarted node serves it again.
type StateStore interface {
	Load(ctx context.Context, id string) (Snapshot, bool, error)

	// Save stores s unless a snapshot with a version at least as high is
	// already stored.
	Save(ctx context.Context, s Snapshot) error

	Delete(ctx context.Context, id string) error

	// List returns all snapshots in entity id order.
	List(ctx context.Context) ([]Snapshot, error)
}

var statePrefix = []byte("state/")

func stateKey(id string) []byte {
	return append(append([]byte{}, statePrefix...), id...)
}

// StoreStateStore keeps snapshots in a store.Store under the "state/" prefix.
type StoreStateStore struct {
	s store.Store
}

func NewStoreStateStore(s store.Store) *StoreStateStore {
	return &StoreStateStore{s: s}
}

func (ss *StoreStateStore) Load(_ context.Context, id string) (Snapshot, bool, error) {
	var (
		snap  Snapshot
		found bool
	)
	err := ss.s.View(func(tx store.Tx) error {
		data, err := tx.Get(stateKey(id))
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := msgpack.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decode snapshot %q: %w", id, err)
		}
		found = true
		return nil
	})
	return snap, found, err
}

func (ss *StoreStateStore) Save(_ context.Context, snap Snapshot) error {
	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %q: %w", snap.EntityID, err)
	}
	return ss.s.Update(func(tx store.Tx) error {
		key := stateKey(snap.EntityID)
		prev, err := tx.Get(key)
		switch {
		case errors.Is(err, store.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var old Snapshot
			if err := msgpack.Unmarshal(prev, &old); err == nil && old.Version >= snap.Version {
				return nil
			}
		}
		return tx.Set(key, data)
	})
}

func (ss *StoreStateStore) Delete(_ context.Context, id string) error {
	return ss.s.Update(func(tx store.Tx) error {
		return tx.Delete(stateKey(id))
	})
}

func (ss *StoreStateStore) List(_ context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := ss.s.View(func(tx store.Tx) error {
		return tx.Scan(statePrefix, func(_, value []byte) error {
			var snap Snapshot
			if err := msgpack.Unmarshal(value, &snap); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			out = append(out, snap)
			return nil
		})
	})
	return out, err
}
