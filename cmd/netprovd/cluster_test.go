package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeClusterDescriptor(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadClusterSortsVMsByRank(t *testing.T) {
	path := writeClusterDescriptor(t, `{
		"vms": [
			{"rank": 2, "host_rank": 1, "networks": ["ib0"]},
			{"rank": 0, "host_rank": 0, "networks": ["nat0", "ib0"]},
			{"rank": 1, "host_rank": 0, "networks": ["nat0"]}
		]
	}`)

	c, err := loadCluster(path)
	require.NoError(t, err)
	require.Len(t, c.VMs, 3)
	require.Equal(t, []int{0, 1, 2}, []int{c.VMs[0].Rank, c.VMs[1].Rank, c.VMs[2].Rank})
	require.True(t, c.VMs[0].OnNetwork("ib0"))
	require.False(t, c.VMs[1].OnNetwork("ib0"))
}

func TestLoadClusterParsesHostIPs(t *testing.T) {
	path := writeClusterDescriptor(t, `{
		"vms": [{"rank": 0, "host_rank": 0, "networks": []}],
		"host_ips": {"0": "10.0.0.1", "1": "10.0.0.2"}
	}`)

	c, err := loadCluster(path)
	require.NoError(t, err)
	ip, ok := c.HostIP(1)
	require.True(t, ok)
	require.Equal(t, "10.0.0.2", ip)
}

func TestLoadClusterRejectsNonIntegerHostIPKey(t *testing.T) {
	path := writeClusterDescriptor(t, `{
		"vms": [],
		"host_ips": {"not-a-rank": "10.0.0.1"}
	}`)

	_, err := loadCluster(path)
	require.Error(t, err)
}

func TestLoadClusterRejectsMissingFile(t *testing.T) {
	_, err := loadCluster(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoadClusterRejectsMalformedJSON(t *testing.T) {
	path := writeClusterDescriptor(t, `{not valid json`)
	_, err := loadCluster(path)
	require.Error(t, err)
}
