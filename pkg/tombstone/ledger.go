// Package tombstone records deleted entity identities.
//
// The ledger is append-only. A tombstone is never removed, so a deleted
// identity can never be created again on this node, whatever order deletion
// and replication traffic arrive in. Tombstones therefore accumulate for the
// life of the cluster; applications that delete many small items should keep
// them as keys of one ORMap entity instead.
package tombstone

import (
	"context"
	"errors"
)

// ErrEmptyEntityID is returned when recording a tombstone without an id.
var ErrEmptyEntityID = errors.New("tombstone: empty entity id")

// Tombstone marks one deleted entity.
type Tombstone struct {
	EntityID string `msgpack:"id"`
	// Marker is the HLC timestamp of the deletion on the replica that
	// performed it.
	Marker    int64  `msgpack:"m"`
	ReplicaID string `msgpack:"r"`
}

// Ledger is the tombstone registry. Implementations are safe for concurrent
// use.
type Ledger interface {
	// IsDeleted reports whether id has a tombstone.
	IsDeleted(ctx context.Context, id string) (bool, error)

	// Record appends a tombstone. Recording an id that already has one is a
	// no-op and keeps the first marker.
	Record(ctx context.Context, t Tombstone) error

	// Get returns the tombstone for id.
	Get(ctx context.Context, id string) (Tombstone, bool, error)

	// List returns every tombstone ordered by entity id.
	List(ctx context.Context) ([]Tombstone, error)
}
