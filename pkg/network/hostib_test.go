package network

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/netprov/pkg/kv/memstore"
	"github.com/clusterkit/netprov/pkg/osadapter"
)

func TestHostIBFamilyDispatchesOnDeviceName(t *testing.T) {
	n, err := NewHostIB("ibh0", map[string]any{"host-device": "mlx5_0"}, memstore.New())
	require.NoError(t, err)
	require.Equal(t, osadapter.FamilyMLX5, n.(*HostIB).family())

	n, err = NewHostIB("ibh0", map[string]any{"host-device": "mlx4_1"}, memstore.New())
	require.NoError(t, err)
	require.Equal(t, osadapter.FamilyMLX4, n.(*HostIB).family())

	n, err = NewHostIB("ibh0", map[string]any{"host-device": "nope_0"}, memstore.New())
	require.NoError(t, err)
	require.Equal(t, osadapter.FamilyUnknown, n.(*HostIB).family())
}

func TestHostIBPhysSysfsDirIncludesDeviceName(t *testing.T) {
	n, err := NewHostIB("ibh0", map[string]any{"host-device": "mlx5_2"}, memstore.New())
	require.NoError(t, err)
	require.Equal(t, "/sys/class/infiniband/mlx5_2/device", n.(*HostIB).physSysfsDir())
}

func TestHostIBEnvGUIDsRequiresBothOverrides(t *testing.T) {
	n, err := NewHostIB("ibh0", map[string]any{"host-device": "mlx5_0"}, memstore.New())
	require.NoError(t, err)
	h := n.(*HostIB)

	t.Setenv("PCOCC_NET_IBH0_PORT_GUID", "0xabc")
	_, _, ok := h.envGUIDs()
	require.False(t, ok, "only one of port/node set should not count as overridden")

	t.Setenv("PCOCC_NET_IBH0_NODE_GUID", "0xdef")
	port, node, ok := h.envGUIDs()
	require.True(t, ok)
	require.Equal(t, uint64(0xabc), port)
	require.Equal(t, uint64(0xdef), node)
}

func TestHostIBGetLicenseAlwaysNil(t *testing.T) {
	n, err := NewHostIB("ibh0", map[string]any{"host-device": "mlx5_0"}, memstore.New())
	require.NoError(t, err)
	require.Nil(t, n.GetLicense(nil))
}

// TestHostIBCleanupNodeContinuesPastUnbindFailure covers the "cleanup after
// crash" scenario: one VF that refuses to unbind (busy) must not stop the
// sweep from reclaiming the rest.
func TestHostIBCleanupNodeContinuesPastUnbindFailure(t *testing.T) {
	device := "mlx5_9"
	vf0, vf1 := fakeHostIBVFTree(t, device)

	origWrite := osadapter.WriteSysfs
	t.Cleanup(func() { osadapter.WriteSysfs = origWrite })
	var attempted []string
	osadapter.WriteSysfs = func(path string, data []byte, perm os.FileMode) error {
		attempted = append(attempted, string(data))
		if string(data) == vf0 {
			return errors.New("device or resource busy")
		}
		return nil
	}

	n, err := NewHostIB("ibh0", map[string]any{"host-device": device}, memstore.New())
	require.NoError(t, err)

	err = n.CleanupNode(context.Background(), 0)
	require.Error(t, err, "cleanup_node must report the busy vf as a failure")
	require.Contains(t, attempted, vf0, "the busy vf must still have been attempted")
	require.Contains(t, attempted, vf1, "the vf after the busy one must still be reclaimed")
}
