// Package store is the durable key-value layer behind tombstones and entity
// snapshots.
package store

import "errors"

// ErrKeyNotFound is returned by Tx.Get for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// Store is a transactional key-value store.
type Store interface {
	// View runs fn in a read-only transaction.
	View(fn func(Tx) error) error

	// Update runs fn in a read-write transaction. The transaction commits
	// only if fn returns nil.
	Update(fn func(Tx) error) error

	Close() error
}

// Tx is a store transaction.
type Tx interface {
	// Get returns a copy of the value, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	Set(key, value []byte) error

	Delete(key []byte) error

	// Scan calls fn for every key with the given prefix in key order. It stops
	// at the first error fn returns.
	Scan(prefix []byte, fn func(key, value []byte) error) error
}
