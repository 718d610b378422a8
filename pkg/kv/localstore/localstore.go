// Package localstore implements kv.Store on top of a single bbolt file, for
// single-node development setups and the end-to-end test suite.
package localstore

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/netkit"
)

// Store is a bbolt-backed kv.Store. One bucket per directory, created
// lazily on first write. Change notification uses per-directory waiter
// channels kept in process memory, closed on every write to that directory,
// since bbolt itself has no watch primitive.
type Store struct {
	db *bolt.DB

	mu      sync.Mutex
	index   uint64
	waiters map[string][]chan struct{}
}

// Open opens (creating if absent) a bbolt database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "netprov.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt store: %w", err)
	}
	return &Store{db: db, waiters: make(map[string][]chan struct{})}, nil
}

var _ kv.Store = (*Store)(nil)

func (s *Store) Close() error {
	return s.db.Close()
}

func bucketName(dir string) []byte {
	return []byte(dir)
}

func (s *Store) Get(_ context.Context, dir, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(dir))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return value, found, err
}

func (s *Store) Put(_ context.Context, dir, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(dir))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
	if err == nil {
		s.notify(dir)
	}
	return err
}

func (s *Store) CompareAndSwap(_ context.Context, dir, key string, old, new []byte) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(dir))
		if err != nil {
			return err
		}
		cur := b.Get([]byte(key))
		if old == nil {
			if cur != nil {
				return nil
			}
		} else if cur == nil || !bytes.Equal(cur, old) {
			return nil
		}
		ok = true
		return b.Put([]byte(key), new)
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.notify(dir)
	}
	return ok, nil
}

func (s *Store) Delete(_ context.Context, dir, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(dir))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err == nil {
		s.notify(dir)
	}
	return err
}

func (s *Store) DeleteDir(_ context.Context, dir, prefix string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(dir))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.notify(dir)
	}
	return err
}

func (s *Store) ListDir(_ context.Context, dir, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(dir))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			out[string(k)] = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *Store) WaitIndex(ctx context.Context, dir, key string, lastIndex uint64, timeout time.Duration) ([]byte, uint64, error) {
	deadline := time.Now().Add(timeout)
	for {
		value, found, err := s.Get(ctx, dir, key)
		if err != nil {
			return nil, 0, err
		}
		s.mu.Lock()
		curIdx := s.index
		s.mu.Unlock()
		if found && (lastIndex == 0 || curIdx > lastIndex) {
			return value, curIdx, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, 0, netkit.ErrTimeout
		}
		if err := s.waitFor(ctx, dir, remaining); err != nil {
			return nil, 0, err
		}
	}
}

func (s *Store) WaitChildCount(ctx context.Context, dir, prefix string, count int, timeout time.Duration) (map[string][]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		matches, err := s.ListDir(ctx, dir, prefix)
		if err != nil {
			return nil, err
		}
		if len(matches) >= count {
			return matches, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, netkit.ErrTimeout
		}
		if err := s.waitFor(ctx, dir, remaining); err != nil {
			return nil, err
		}
	}
}

// notify bumps the global change index and wakes every waiter registered
// for dir.
func (s *Store) notify(dir string) {
	s.mu.Lock()
	s.index++
	waiters := s.waiters[dir]
	delete(s.waiters, dir)
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (s *Store) waitFor(ctx context.Context, dir string, timeout time.Duration) error {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[dir] = append(s.waiters[dir], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return netkit.ErrTimeout
	case <-ctx.Done():
		return netkit.ErrTimeout
	}
}
