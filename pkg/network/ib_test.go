package network

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/netprov/pkg/cluster"
	"github.com/clusterkit/netprov/pkg/kv/memstore"
	"github.com/clusterkit/netprov/pkg/netkit"
	"github.com/clusterkit/netprov/pkg/osadapter"
)

func ibSettingsMap() map[string]any {
	return map[string]any{
		"host-device":          "mlx5_0",
		"min-pkey":             "0x0001",
		"max-pkey":             "0x0010",
		"opensm-daemon":        "opensm",
		"opensm-partition-cfg": "/etc/opensm/partitions.conf",
		"opensm-partition-tpl": "/etc/opensm/partitions.conf.tpl",
	}
}

func TestNewIBRejectsMaxBelowMin(t *testing.T) {
	store := memstore.New()
	raw := ibSettingsMap()
	raw["min-pkey"] = "0x0010"
	raw["max-pkey"] = "0x0001"

	_, err := NewIB("ib0", raw, store)
	require.ErrorIs(t, err, netkit.ErrConfig)
}

func TestNewIBRejectsUnparseablePkey(t *testing.T) {
	store := memstore.New()
	raw := ibSettingsMap()
	raw["min-pkey"] = "not-hex"

	_, err := NewIB("ib0", raw, store)
	require.ErrorIs(t, err, netkit.ErrConfig)
}

func TestIBGetLicenseOnlyWhenConfiguredAndUsed(t *testing.T) {
	store := memstore.New()
	raw := ibSettingsMap()
	n, err := NewIB("ib0", raw, store)
	require.NoError(t, err)

	empty := &cluster.Cluster{}
	require.Nil(t, n.GetLicense(empty))

	raw["license"] = "ib-fabric"
	licensed, err := NewIB("ib0", raw, store)
	require.NoError(t, err)
	require.Nil(t, licensed.GetLicense(empty))

	vm := &cluster.VM{Rank: 0, HostRank: 0, Networks: map[string]struct{}{"ib0": {}}}
	used := &cluster.Cluster{VMs: []*cluster.VM{vm}}
	require.Equal(t, []string{"ib-fabric"}, licensed.GetLicense(used))
}

// TestIBCleanupNodeContinuesPastUnbindFailure covers the "cleanup after
// crash" scenario: one VF that refuses to unbind (busy) must not stop the
// sweep from reclaiming the rest.
func TestIBCleanupNodeContinuesPastUnbindFailure(t *testing.T) {
	device := "mlx4_7"
	vf0, vf1 := fakeHostIBVFTree(t, device)

	origWrite := osadapter.WriteSysfs
	t.Cleanup(func() { osadapter.WriteSysfs = origWrite })
	var attempted []string
	osadapter.WriteSysfs = func(path string, data []byte, perm os.FileMode) error {
		attempted = append(attempted, string(data))
		if string(data) == vf1 {
			return errors.New("device or resource busy")
		}
		return nil
	}

	store := memstore.New()
	raw := ibSettingsMap()
	raw["host-device"] = device
	n, err := NewIB("ib0", raw, store)
	require.NoError(t, err)

	err = n.CleanupNode(context.Background(), 0)
	require.Error(t, err, "cleanup_node must report the busy vf as a failure")
	require.Contains(t, attempted, vf0, "the vf before the busy one must still be reclaimed")
	require.Contains(t, attempted, vf1, "the busy vf must still have been attempted")
}
