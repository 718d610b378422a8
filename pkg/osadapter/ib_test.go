package osadapter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectFamily(t *testing.T) {
	require.Equal(t, FamilyMLX4, DetectFamily("mlx4_0"))
	require.Equal(t, FamilyMLX5, DetectFamily("mlx5_1"))
	require.Equal(t, FamilyUnknown, DetectFamily("ipoib0"))
	require.Equal(t, FamilyUnknown, DetectFamily(""))
}

// TestMLX4PkeyTableIndexFindsWildcardSlot builds a fake
// iov/<vf>/ports/1/pkey_idx/<n> sysfs tree and checks the slot whose
// content is the wildcard pkey 0x7fff is the one returned.
func TestMLX4PkeyTableIndexFindsWildcardSlot(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "iov/0/ports/1/pkey_idx")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0"), []byte("0x0001"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1"), []byte("0x7fff"), 0644))

	idx, err := MLX4PkeyTableIndex(root, 0)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestMLX4PkeyTableIndexErrorsWhenNoWildcardSlot(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "iov/0/ports/1/pkey_idx")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0"), []byte("0x0001"), 0644))

	_, err := MLX4PkeyTableIndex(root, 0)
	require.Error(t, err)
}
