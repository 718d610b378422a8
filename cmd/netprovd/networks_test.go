package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/clusterkit/netprov/pkg/kv/memstore"
	"github.com/clusterkit/netprov/pkg/network"
)

func testCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("network", "", "")
	cmd.Flags().Int("host-rank", -1, "")
	return cmd
}

func TestHostRankRejectsNegativeDefault(t *testing.T) {
	cmd := testCmd(t)
	_, err := hostRank(cmd)
	require.Error(t, err)
}

func TestHostRankAcceptsNonNegativeValue(t *testing.T) {
	cmd := testCmd(t)
	require.NoError(t, cmd.Flags().Set("host-rank", "3"))
	rank, err := hostRank(cmd)
	require.NoError(t, err)
	require.Equal(t, 3, rank)
}

func sampleNetworkSet(t *testing.T) map[string]network.Network {
	t.Helper()
	store := memstore.New()
	a, err := network.NewBridged("aaa", map[string]any{"host-bridge": "br0", "tap-prefix": "tap-a-"}, store)
	require.NoError(t, err)
	b, err := network.NewBridged("bbb", map[string]any{"host-bridge": "br0", "tap-prefix": "tap-b-"}, store)
	require.NoError(t, err)
	return map[string]network.Network{"aaa": a, "bbb": b}
}

func TestSelectNetworksReturnsAllSortedByNameWhenUnfiltered(t *testing.T) {
	cmd := testCmd(t)
	nets, err := selectNetworks(cmd, sampleNetworkSet(t))
	require.NoError(t, err)
	require.Len(t, nets, 2)
	require.Equal(t, "aaa", nets[0].Name())
	require.Equal(t, "bbb", nets[1].Name())
}

func TestSelectNetworksFiltersToNamedNetwork(t *testing.T) {
	cmd := testCmd(t)
	require.NoError(t, cmd.Flags().Set("network", "bbb"))
	nets, err := selectNetworks(cmd, sampleNetworkSet(t))
	require.NoError(t, err)
	require.Len(t, nets, 1)
	require.Equal(t, "bbb", nets[0].Name())
}

func TestSelectNetworksRejectsUnknownName(t *testing.T) {
	cmd := testCmd(t)
	require.NoError(t, cmd.Flags().Set("network", "ccc"))
	_, err := selectNetworks(cmd, sampleNetworkSet(t))
	require.Error(t, err)
}

func TestLoadNetworksRequiresConfigFlag(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	_, err := loadNetworks(cmd, memstore.New())
	require.Error(t, err)
}
