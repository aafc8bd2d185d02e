// Package store provides durable key-value persistence for workflow checkpoints.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("store is closed")

// Store is a durable key-value capability.
//
// The engine keys checkpoints by instance ID and relies on two properties:
//   - Put is atomic per key: a reader never observes a partially written value
//   - Get returns the value of the last acknowledged Put
//
// Implementations:
//   - MemStore: in-process map, for tests and single-run CLIs
//   - SQLiteStore: single-file database, for single-node deployments
//   - MySQLStore: shared relational database
//   - RedisStore: shared key-value server with optional retention TTL
type Store interface {
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}

// Lister is implemented by stores that can enumerate keys. The engine uses it
// to find instances to recover after a restart.
type Lister interface {
	// Keys returns every key beginning with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Deleter is implemented by stores that can remove keys.
type Deleter interface {
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
