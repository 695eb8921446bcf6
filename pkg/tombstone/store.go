package tombstone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mgudmund/cloudstate/pkg/store"
)

var keyPrefix = []byte("tomb/")

func tombKey(id string) []byte {
	return append(append([]byte{}, keyPrefix...), id...)
}

// StoreLedger persists tombstones in a store.Store. Known ids are cached in
// memory; the cache is only ever added to, so it never goes stale.
type StoreLedger struct {
	s     store.Store
	mu    sync.RWMutex
	known map[string]Tombstone
}

// NewStoreLedger opens a ledger on s and loads the existing tombstones.
func NewStoreLedger(s store.Store) (*StoreLedger, error) {
	l := &StoreLedger{s: s, known: make(map[string]Tombstone)}
	err := s.View(func(tx store.Tx) error {
		return tx.Scan(keyPrefix, func(_, value []byte) error {
			var t Tombstone
			if err := msgpack.Unmarshal(value, &t); err != nil {
				return fmt.Errorf("decode tombstone: %w", err)
			}
			l.known[t.EntityID] = t
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load tombstones: %w", err)
	}
	return l, nil
}

func (l *StoreLedger) IsDeleted(ctx context.Context, id string) (bool, error) {
	_, ok, err := l.Get(ctx, id)
	return ok, err
}

func (l *StoreLedger) Get(_ context.Context, id string) (Tombstone, bool, error) {
	l.mu.RLock()
	t, ok := l.known[id]
	l.mu.RUnlock()
	return t, ok, nil
}

func (l *StoreLedger) Record(ctx context.Context, t Tombstone) error {
	if t.EntityID == "" {
		return ErrEmptyEntityID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.known[t.EntityID]; ok {
		return nil
	}

	data, err := msgpack.Marshal(&t)
	if err != nil {
		return fmt.Errorf("encode tombstone: %w", err)
	}
	err = l.s.Update(func(tx store.Tx) error {
		key := tombKey(t.EntityID)
		if _, err := tx.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrKeyNotFound) {
			return err
		}
		return tx.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("record tombstone %q: %w", t.EntityID, err)
	}
	l.known[t.EntityID] = t
	return nil
}

func (l *StoreLedger) List(_ context.Context) ([]Tombstone, error) {
	var out []Tombstone
	err := l.s.View(func(tx store.Tx) error {
		return tx.Scan(keyPrefix, func(_, value []byte) error {
			var t Tombstone
			if err := msgpack.Unmarshal(value, &t); err != nil {
				return fmt.Errorf("decode tombstone: %w", err)
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}
