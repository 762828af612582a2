// Package kvdb implements a small, pluggable on-disk key-value store
// (leveldb, memory, and a relay of the two). No other package in this
// repository imports it: the engine's metadata lives in internal/store's
// JSON manifest and metadata slice. It is not the hot key-value path
// either, which is the B-tree/cache/serializer stack in internal/btree,
// internal/cache, and internal/serializer.
//
// Grounded on ethdb/relaydb/relaydb.go's primary/secondary composition:
// KeyValueStore is the same shape as ethdb.KeyValueStore, and Relay wraps
// a fast primary (memory) in front of a durable secondary (leveldb) the
// same way relaydb.Database did, adapted from a read-through cache into a
// genuine write-through mirror (relaydb.Database.Put/Delete simply
// panicked "not supported", since go-ethereum never needed to write
// through its relay; this Relay does).
package kvdb

import "errors"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kvdb: key not found")

// KeyValueStore is the storage contract every backend implements
// (ethdb.KeyValueStore's shape, trimmed to what the metadata file needs).
type KeyValueStore interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// NewIterator returns a binary-alphabetical iterator over every key
	// with the given prefix, starting at or after start.
	NewIterator(prefix, start []byte) Iterator
	Close() error
}

// Iterator walks a KeyValueStore's keyspace in order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
}
