package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clusterkit/netprov/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "netprovd",
	Short: "Virtual-network provisioning core for batch-launched VMs",
	Long: `netprovd configures kernel/software-switch/PCI state on a compute
host so VMs launched there can reach their attached networks, and tears that
state down at job end.

Each subcommand drives one lifecycle phase and is meant to be invoked once
per host by the surrounding batch job's prologue/epilogue scripts.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to the network catalog YAML file (required)")
	rootCmd.PersistentFlags().String("cluster", "", "Path to the cluster descriptor JSON file (required)")
	rootCmd.PersistentFlags().String("network", "", "Restrict to a single network by name (default: all networks in the catalog)")
	rootCmd.PersistentFlags().Int("host-rank", -1, "This host's rank in the cluster descriptor (required)")

	rootCmd.PersistentFlags().String("kv-backend", "local", "Key-value backend: memstore, local, or etcd")
	rootCmd.PersistentFlags().String("kv-datadir", "./netprovd-data", "Data directory for the local (bbolt) backend")
	rootCmd.PersistentFlags().StringSlice("kv-endpoints", nil, "etcd endpoints, for --kv-backend=etcd")
	rootCmd.PersistentFlags().Duration("kv-dial-timeout", 0, "etcd dial timeout, for --kv-backend=etcd (default 5s)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initNodeCmd)
	rootCmd.AddCommand(allocCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(freeCmd)
	rootCmd.AddCommand(cleanupNodeCmd)
	rootCmd.AddCommand(getLicenseCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(pkeyDaemonCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
