package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/netprov/pkg/kv/memstore"
	"github.com/clusterkit/netprov/pkg/netkit"
)

func TestParseNATNetworkHost(t *testing.T) {
	nat, err := ParseNATNetwork("10.200.0.0/24")
	require.NoError(t, err)
	require.Equal(t, 24, nat.Bits())

	ip, err := nat.Host(1)
	require.NoError(t, err)
	require.Equal(t, "10.200.0.1", ip)

	ip, err = nat.Host(2)
	require.NoError(t, err)
	require.Equal(t, "10.200.0.2", ip)
}

func TestParseNATNetworkRejectsGarbage(t *testing.T) {
	_, err := ParseNATNetwork("not-a-cidr")
	require.Error(t, err)
}

func TestDeterministicMACFillsTailFromRank(t *testing.T) {
	mac, err := DeterministicMAC("52:54:00", 1)
	require.NoError(t, err)
	require.Equal(t, "52:54:00:00:00:01", mac)

	mac, err = DeterministicMAC("52:54:00", 255)
	require.NoError(t, err)
	require.Equal(t, "52:54:00:00:00:ff", mac)
}

func TestDeterministicMACRejectsOverlongPrefix(t *testing.T) {
	_, err := DeterministicMAC("52:54:00:11:22:33", 1)
	require.Error(t, err)
}

func TestRandomLocalMACUsesFixedOUI(t *testing.T) {
	mac, err := RandomLocalMAC()
	require.NoError(t, err)
	require.Regexp(t, `^52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`, mac)
}

func TestComputeVFGUIDsDeterministic(t *testing.T) {
	port1, node1 := ComputeVFGUIDs(0x1234, 7)
	port2, node2 := ComputeVFGUIDs(0x1234, 7)
	require.Equal(t, port1, port2)
	require.Equal(t, node1, node2)
	require.NotEqual(t, port1, node1)

	port3, _ := ComputeVFGUIDs(0x1234, 8)
	require.NotEqual(t, port1, port3, "different ranks must yield different port GUIDs")
}

func TestRandomVFGUIDsDistinctAcrossCalls(t *testing.T) {
	port1, node1, err := RandomVFGUIDs()
	require.NoError(t, err)
	port2, node2, err := RandomVFGUIDs()
	require.NoError(t, err)

	require.NotEqual(t, port1, port2)
	require.NotEqual(t, node1, node2)
	require.Equal(t, uint64(0xc1cc), port1>>48)
	require.Equal(t, uint64(0xd1cc), node1>>48)
}

func TestAllocationRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	rec := NewAllocationRecord()
	rec.SetVMField(0, "tap", "tap0")
	rec.SetVMField(1, "tap", "tap1")
	rec.SetGlobalField("master", "0")

	require.NoError(t, PutRecord(ctx, store, "net0", 3, rec))

	got, err := GetRecord(ctx, store, "net0", 3)
	require.NoError(t, err)
	require.Equal(t, "tap0", got.VMs[0]["tap"])
	require.Equal(t, "tap1", got.VMs[1]["tap"])
	require.Equal(t, "0", got.Global["master"])

	require.NoError(t, DeleteRecord(ctx, store, "net0", 3))
	_, err = GetRecord(ctx, store, "net0", 3)
	require.ErrorIs(t, err, netkit.ErrStateMissing)
}

func TestGetRecordMissingIsErrStateMissing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	_, err := GetRecord(ctx, store, "nope", 0)
	require.ErrorIs(t, err, netkit.ErrStateMissing)
}
