package localstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreCASAndWatch(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	ok, err := s.CompareAndSwap(ctx, "alloc", "bitmap", nil, []byte{0xff})
	require.NoError(t, err)
	require.True(t, ok)

	v, found, err := s.Get(ctx, "alloc", "bitmap")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte{0xff}, v)

	ok, err = s.CompareAndSwap(ctx, "alloc", "bitmap", []byte{0xff}, []byte{0x00})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "cluster", "host-0", []byte("vm-1: {}")))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	v, found, err := s2.Get(ctx, "cluster", "host-0")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("vm-1: {}"), v)
}
