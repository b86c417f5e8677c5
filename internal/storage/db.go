// Package storage provides database abstractions for the chain trees.
package storage

import "errors"

// ErrKeyNotFound is returned by Get when a key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// DB is the interface for key-value storage.
type DB interface {
	// Get retrieves a value by key. Returns ErrKeyNotFound for missing keys.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch collects writes and deletes to be committed together.
// Writes are not visible until Commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by databases that support atomic batches.
type Batcher interface {
	NewBatch() Batch
}
