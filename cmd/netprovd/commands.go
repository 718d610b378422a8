package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clusterkit/netprov/pkg/cluster"
	"github.com/clusterkit/netprov/pkg/log"
)

var initNodeCmd = &cobra.Command{
	Use:   "init-node",
	Short: "Create host-wide resources for one or all networks (bridges, firewall chains, driver bindings)",
	RunE: func(cmd *cobra.Command, args []string) error {
		rank, err := hostRank(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := loadNetworks(cmd, store)
		if err != nil {
			return err
		}
		nets, err := selectNetworks(cmd, all)
		if err != nil {
			return err
		}

		ctx := context.Background()
		for _, n := range nets {
			log.WithNetwork(n.Name()).Info().Str("phase", "init_node").Msg("starting")
			if err := n.InitNode(ctx, rank); err != nil {
				return fmt.Errorf("init-node %s: %w", n.Name(), err)
			}
		}
		return nil
	},
}

var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: "Allocate per-VM resources for every local VM on one or all networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		rank, err := hostRank(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := loadNetworks(cmd, store)
		if err != nil {
			return err
		}
		nets, err := selectNetworks(cmd, all)
		if err != nil {
			return err
		}

		c, err := requireCluster(cmd)
		if err != nil {
			return err
		}

		ctx := context.Background()
		for _, n := range nets {
			log.WithNetwork(n.Name()).Info().Str("phase", "alloc_node_resources").Msg("starting")
			if err := n.AllocNodeResources(ctx, c, rank); err != nil {
				return fmt.Errorf("alloc %s: %w", n.Name(), err)
			}
		}
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Read allocation records and attach interfaces to each local VM's launch descriptor",
	RunE: func(cmd *cobra.Command, args []string) error {
		rank, err := hostRank(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := loadNetworks(cmd, store)
		if err != nil {
			return err
		}
		nets, err := selectNetworks(cmd, all)
		if err != nil {
			return err
		}

		c, err := requireCluster(cmd)
		if err != nil {
			return err
		}

		ctx := context.Background()
		for _, n := range nets {
			log.WithNetwork(n.Name()).Info().Str("phase", "load_node_resources").Msg("starting")
			if err := n.LoadNodeResources(ctx, c, rank); err != nil {
				return fmt.Errorf("load %s: %w", n.Name(), err)
			}
		}

		return printAttachments(c, rank)
	},
}

var freeCmd = &cobra.Command{
	Use:   "free",
	Short: "Release per-VM resources and, on the network's master host, its cluster-wide resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		rank, err := hostRank(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := loadNetworks(cmd, store)
		if err != nil {
			return err
		}
		nets, err := selectNetworks(cmd, all)
		if err != nil {
			return err
		}

		c, err := requireCluster(cmd)
		if err != nil {
			return err
		}

		ctx := context.Background()
		var firstErr error
		for _, n := range nets {
			log.WithNetwork(n.Name()).Info().Str("phase", "free_node_resources").Msg("starting")
			if err := n.FreeNodeResources(ctx, c, rank); err != nil {
				log.WithNetwork(n.Name()).Error().Err(err).Msg("free failed, continuing with remaining networks")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	},
}

var cleanupNodeCmd = &cobra.Command{
	Use:   "cleanup-node",
	Short: "Garbage-collect leftover resources by name prefix, for recovery after a crash",
	RunE: func(cmd *cobra.Command, args []string) error {
		rank, err := hostRank(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := loadNetworks(cmd, store)
		if err != nil {
			return err
		}
		nets, err := selectNetworks(cmd, all)
		if err != nil {
			return err
		}

		ctx := context.Background()
		var firstErr error
		for _, n := range nets {
			log.WithNetwork(n.Name()).Info().Str("phase", "cleanup_node").Msg("starting")
			if err := n.CleanupNode(ctx, rank); err != nil {
				log.WithNetwork(n.Name()).Error().Err(err).Msg("cleanup failed, continuing with remaining networks")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	},
}

var getLicenseCmd = &cobra.Command{
	Use:   "get-license",
	Short: "Print the batch license names required by the networks any VM in the cluster uses",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := loadNetworks(cmd, store)
		if err != nil {
			return err
		}
		nets, err := selectNetworks(cmd, all)
		if err != nil {
			return err
		}

		c, err := requireCluster(cmd)
		if err != nil {
			return err
		}

		seen := make(map[string]struct{})
		var licenses []string
		for _, n := range nets {
			for _, lic := range n.GetLicense(c) {
				if _, ok := seen[lic]; ok {
					continue
				}
				seen[lic] = struct{}{}
				licenses = append(licenses, lic)
			}
		}
		for _, lic := range licenses {
			fmt.Println(lic)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and schema-validate the network catalog without touching host state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := loadNetworks(cmd, store)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(all))
		for name := range all {
			names = append(names, name)
		}
		fmt.Printf("catalog valid: %d networks\n", len(names))
		return nil
	},
}

func requireCluster(cmd *cobra.Command) (*cluster.Cluster, error) {
	clusterPath, _ := cmd.Flags().GetString("cluster")
	if clusterPath == "" {
		return nil, fmt.Errorf("--cluster is required")
	}
	return loadCluster(clusterPath)
}

// attachment is the launcher-facing shape of one VM's interfaces, printed as
// JSON to stdout by the load subcommand for the surrounding batch prologue
// to pick up and hand to the VM launcher.
type attachment struct {
	Rank    int              `json:"rank"`
	EthIfs  []cluster.EthIf  `json:"eth_ifs,omitempty"`
	VfioIfs []cluster.VfioIf `json:"vfio_ifs,omitempty"`
}

func printAttachments(c *cluster.Cluster, hostRank int) error {
	var out []attachment
	for _, vm := range c.VMs {
		if !vm.IsOnNode(hostRank) {
			continue
		}
		out = append(out, attachment{Rank: vm.Rank, EthIfs: vm.EthIfs, VfioIfs: vm.VfioIfs})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
