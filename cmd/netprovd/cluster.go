package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/clusterkit/netprov/pkg/cluster"
)

// clusterDescriptor is the on-disk JSON shape the batch adapter hands this
// binary: an ordered list of VM placements plus, as an addition this module
// makes to the upstream descriptor, the underlay address of each host —
// needed by tunnel-based network types (PV's VXLAN overlay) to reach a peer
// host that was never named in the original per-host invocation model.
type clusterDescriptor struct {
	VMs []struct {
		Rank     int      `json:"rank"`
		HostRank int      `json:"host_rank"`
		Networks []string `json:"networks"`
	} `json:"vms"`
	HostIPs map[string]string `json:"host_ips,omitempty"`
}

func loadCluster(path string) (*cluster.Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster descriptor %s: %w", path, err)
	}

	var desc clusterDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse cluster descriptor %s: %w", path, err)
	}

	c := &cluster.Cluster{HostIPs: make(map[int]string, len(desc.HostIPs))}
	for _, v := range desc.VMs {
		vm := &cluster.VM{
			Rank:     v.Rank,
			HostRank: v.HostRank,
			Networks: make(map[string]struct{}, len(v.Networks)),
		}
		for _, n := range v.Networks {
			vm.Networks[n] = struct{}{}
		}
		c.VMs = append(c.VMs, vm)
	}
	sort.Slice(c.VMs, func(i, j int) bool { return c.VMs[i].Rank < c.VMs[j].Rank })

	for rankStr, ip := range desc.HostIPs {
		var rank int
		if _, err := fmt.Sscanf(rankStr, "%d", &rank); err != nil {
			return nil, fmt.Errorf("cluster descriptor: host_ips key %q is not an integer rank: %w", rankStr, err)
		}
		c.HostIPs[rank] = ip
	}

	return c, nil
}
