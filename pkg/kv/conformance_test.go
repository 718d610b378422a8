package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/kv/memstore"
	"github.com/clusterkit/netprov/pkg/netkit"
)

// newStores returns every backend under test. localstore is exercised by its
// own package test (it needs a tmp dir); etcdstore needs an etcd endpoint
// and has no tests. This file pins the contract all three must share using
// the in-memory backend, which needs neither.
func newStores(t *testing.T) map[string]kv.Store {
	return map[string]kv.Store{
		"memstore": memstore.New(),
	}
}

func TestStoreGetPutDelete(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, found, err := s.Get(ctx, "d", "k")
			require.NoError(t, err)
			require.False(t, found)

			require.NoError(t, s.Put(ctx, "d", "k", []byte("v1")))
			v, found, err := s.Get(ctx, "d", "k")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, []byte("v1"), v)

			require.NoError(t, s.Delete(ctx, "d", "k"))
			_, found, err = s.Get(ctx, "d", "k")
			require.NoError(t, err)
			require.False(t, found)
		})
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := s.CompareAndSwap(ctx, "d", "bitmap", nil, []byte{0x01})
			require.NoError(t, err)
			require.True(t, ok, "create-if-absent should succeed once")

			ok, err = s.CompareAndSwap(ctx, "d", "bitmap", nil, []byte{0x02})
			require.NoError(t, err)
			require.False(t, ok, "create-if-absent should fail once the key exists")

			ok, err = s.CompareAndSwap(ctx, "d", "bitmap", []byte{0x01}, []byte{0x03})
			require.NoError(t, err)
			require.True(t, ok)

			v, _, err := s.Get(ctx, "d", "bitmap")
			require.NoError(t, err)
			require.Equal(t, []byte{0x03}, v)
		})
	}
}

func TestStoreListAndDeleteDir(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "hosts", "host-1", []byte("a")))
			require.NoError(t, s.Put(ctx, "hosts", "host-2", []byte("b")))
			require.NoError(t, s.Put(ctx, "hosts", "other", []byte("c")))

			entries, err := s.ListDir(ctx, "hosts", "host-")
			require.NoError(t, err)
			require.Len(t, entries, 2)

			require.NoError(t, s.DeleteDir(ctx, "hosts", "host-"))
			entries, err = s.ListDir(ctx, "hosts", "")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			require.Contains(t, entries, "other")
		})
	}
}

func TestStoreWaitIndexTimesOut(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "d", "k", []byte("v")))
			_, idx, err := s.WaitIndex(ctx, "d", "k", 0, time.Second)
			require.NoError(t, err)

			_, _, err = s.WaitIndex(ctx, "d", "k", idx, 50*time.Millisecond)
			require.ErrorIs(t, err, netkit.ErrTimeout)
		})
	}
}

func TestStoreWaitIndexWakesOnPut(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "d", "k", []byte("v1")))
			_, idx, err := s.WaitIndex(ctx, "d", "k", 0, time.Second)
			require.NoError(t, err)

			done := make(chan struct{})
			go func() {
				defer close(done)
				time.Sleep(20 * time.Millisecond)
				_ = s.Put(ctx, "d", "k", []byte("v2"))
			}()

			v, _, err := s.WaitIndex(ctx, "d", "k", idx, time.Second)
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), v)
			<-done
		})
	}
}

func TestStoreWaitChildCount(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "pkeys", "0x1", []byte("a")))

			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = s.Put(ctx, "pkeys", "0x2", []byte("b"))
			}()

			matches, err := s.WaitChildCount(ctx, "pkeys", "", 2, time.Second)
			require.NoError(t, err)
			require.Len(t, matches, 2)
		})
	}
}
