// Package kv defines the narrow key-value interface the provisioning
// components depend on, and ships the backends that implement it.
package kv

import (
	"context"
	"time"
)

// Store is the distributed key-value primitive the ID allocator, the
// network lifecycle engine and the partition-key daemon are built on. A
// directory groups related keys (e.g. one directory per network's
// allocation records, one directory per fabric-manager pkey); within a
// directory, Get/Put/CompareAndSwap/Delete operate on a single key.
type Store interface {
	// Get reads a single key. found is false if the key does not exist.
	Get(ctx context.Context, dir, key string) (value []byte, found bool, err error)

	// Put unconditionally writes a key.
	Put(ctx context.Context, dir, key string, value []byte) error

	// CompareAndSwap writes new only if the key's current value equals
	// old. A nil old matches a missing key (create-if-absent). ok is
	// false, with a nil error, when the comparison failed.
	CompareAndSwap(ctx context.Context, dir, key string, old, new []byte) (ok bool, err error)

	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(ctx context.Context, dir, key string) error

	// DeleteDir removes every key in dir whose name has the given prefix.
	// An empty prefix removes the whole directory.
	DeleteDir(ctx context.Context, dir, prefix string) error

	// ListDir returns every key in dir whose name has the given prefix.
	ListDir(ctx context.Context, dir, prefix string) (map[string][]byte, error)

	// WaitIndex blocks until key's value changes from the value observed
	// at lastIndex, or timeout elapses. index is an opaque, monotonically
	// increasing revision a caller can pass back on the next call. A
	// lastIndex of 0 matches the key's current value if it already exists,
	// or blocks until the key is first created — it never returns a
	// not-found result.
	WaitIndex(ctx context.Context, dir, key string, lastIndex uint64, timeout time.Duration) (value []byte, index uint64, err error)

	// WaitChildCount blocks until dir contains at least count keys with
	// the given prefix, or timeout elapses, then returns the matching
	// entries.
	WaitChildCount(ctx context.Context, dir, prefix string, count int, timeout time.Duration) (map[string][]byte, error)

	// Close releases backend resources.
	Close() error
}
