package osadapter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestVFAddressesFollowsVirtfnSymlinks builds a fake physical-function
// sysfs directory with virtfn0/virtfn1 symlinks, the same shape the real
// /sys/class/infiniband/<dev>/device tree has.
func TestVFAddressesFollowsVirtfnSymlinks(t *testing.T) {
	root := t.TempDir()
	vf0 := filepath.Join(root, "0000:3b:00.1")
	vf1 := filepath.Join(root, "0000:3b:00.2")
	require.NoError(t, os.Mkdir(vf0, 0755))
	require.NoError(t, os.Mkdir(vf1, 0755))
	require.NoError(t, os.Symlink(vf0, filepath.Join(root, "virtfn0")))
	require.NoError(t, os.Symlink(vf1, filepath.Join(root, "virtfn1")))
	require.NoError(t, os.Mkdir(filepath.Join(root, "net"), 0755))

	addrs, err := VFAddresses(root)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"0000:3b:00.1", "0000:3b:00.2"}, addrs)
}

func TestVFAddressesEmptyWhenNoVFs(t *testing.T) {
	root := t.TempDir()
	addrs, err := VFAddresses(root)
	require.NoError(t, err)
	require.Empty(t, addrs)
}
