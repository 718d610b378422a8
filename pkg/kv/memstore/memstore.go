// Package memstore is an in-process kv.Store used by unit tests that need a
// fast, deterministic backend without a bbolt file or an etcd endpoint.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/netkit"
)

type entry struct {
	value []byte
	index uint64
}

// Store is a mutex-guarded map-of-maps implementation of kv.Store. Waiters
// are woken through a channel that is closed and replaced on every mutation,
// rather than sync.Cond, so a timeout can race a wakeup without deadlocking.
type Store struct {
	mu      sync.Mutex
	dirs    map[string]map[string]entry
	nextIdx uint64
	wake    chan struct{}
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		dirs: make(map[string]map[string]entry),
		wake: make(chan struct{}),
	}
}

var _ kv.Store = (*Store)(nil)

func (s *Store) dir(name string) map[string]entry {
	d, ok := s.dirs[name]
	if !ok {
		d = make(map[string]entry)
		s.dirs[name] = d
	}
	return d
}

func (s *Store) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Store) Get(_ context.Context, dir, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dir(dir)[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *Store) Put(_ context.Context, dir, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIdx++
	s.dir(dir)[key] = entry{value: append([]byte(nil), value...), index: s.nextIdx}
	s.notifyLocked()
	return nil
}

func (s *Store) CompareAndSwap(_ context.Context, dir, key string, old, new []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dir(dir)
	cur, ok := d[key]
	if old == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !bytes.Equal(cur.value, old) {
			return false, nil
		}
	}
	s.nextIdx++
	d[key] = entry{value: append([]byte(nil), new...), index: s.nextIdx}
	s.notifyLocked()
	return true, nil
}

func (s *Store) Delete(_ context.Context, dir, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dir(dir), key)
	s.notifyLocked()
	return nil
}

func (s *Store) DeleteDir(_ context.Context, dir, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dir(dir)
	for k := range d {
		if strings.HasPrefix(k, prefix) {
			delete(d, k)
		}
	}
	s.notifyLocked()
	return nil
}

func (s *Store) ListDir(_ context.Context, dir, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for k, e := range s.dir(dir) {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), e.value...)
		}
	}
	return out, nil
}

func (s *Store) WaitIndex(ctx context.Context, dir, key string, lastIndex uint64, timeout time.Duration) ([]byte, uint64, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		e, ok := s.dir(dir)[key]
		if ok && (lastIndex == 0 || e.index > lastIndex) {
			s.mu.Unlock()
			return append([]byte(nil), e.value...), e.index, nil
		}
		wake := s.wake
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, 0, netkit.ErrTimeout
		}
		select {
		case <-wake:
		case <-time.After(remaining):
			return nil, 0, netkit.ErrTimeout
		case <-ctx.Done():
			return nil, 0, netkit.ErrTimeout
		}
	}
}

func (s *Store) WaitChildCount(ctx context.Context, dir, prefix string, count int, timeout time.Duration) (map[string][]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		matches := make(map[string][]byte)
		for k, e := range s.dir(dir) {
			if strings.HasPrefix(k, prefix) {
				matches[k] = append([]byte(nil), e.value...)
			}
		}
		wake := s.wake
		s.mu.Unlock()

		if len(matches) >= count {
			return matches, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, netkit.ErrTimeout
		}
		select {
		case <-wake:
		case <-time.After(remaining):
			return nil, netkit.ErrTimeout
		case <-ctx.Done():
			return nil, netkit.ErrTimeout
		}
	}
}

func (s *Store) Close() error { return nil }

// Snapshot returns a sorted copy of directory names, useful in tests that
// assert on which directories were touched.
func (s *Store) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.dirs))
	for k := range s.dirs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
