package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/netconfig"
	"github.com/clusterkit/netprov/pkg/network"
)

// loadNetworks parses the catalog named by --config against the built-in
// registry of all six network types and returns every declared network.
func loadNetworks(cmd *cobra.Command, store kv.Store) (map[string]network.Network, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}

	registry, err := netconfig.NewRegistry(
		network.NewNAT,
		network.NewPV,
		network.NewIB,
		network.NewBridged,
		network.NewHostIB,
		network.NewGenericPCI,
	)
	if err != nil {
		return nil, fmt.Errorf("build network type registry: %w", err)
	}

	loader := netconfig.NewLoader(registry, store)
	networks, err := loader.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", configPath, err)
	}
	return networks, nil
}

// selectNetworks narrows the loaded catalog to --network if set, else
// returns every network in stable, deterministic (name-sorted) order —
// lifecycle phases across different networks share no state, but the CLI
// still wants a fixed order for predictable logs and CleanupNode retries.
func selectNetworks(cmd *cobra.Command, all map[string]network.Network) ([]network.Network, error) {
	only, _ := cmd.Flags().GetString("network")

	if only != "" {
		n, ok := all[only]
		if !ok {
			return nil, fmt.Errorf("network %q not found in catalog", only)
		}
		return []network.Network{n}, nil
	}

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]network.Network, 0, len(names))
	for _, name := range names {
		out = append(out, all[name])
	}
	return out, nil
}

func hostRank(cmd *cobra.Command) (int, error) {
	rank, _ := cmd.Flags().GetInt("host-rank")
	if rank < 0 {
		return 0, fmt.Errorf("--host-rank is required")
	}
	return rank, nil
}
