package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterkit/netprov/pkg/api"
	"github.com/clusterkit/netprov/pkg/log"
	"github.com/clusterkit/netprov/pkg/pkeydaemon"
)

var pkeyDaemonCmd = &cobra.Command{
	Use:   "pkey-daemon",
	Short: "Watch the partition-key directory and render the subnet manager's partition file",
	Long: `pkey-daemon runs until signaled. It watches the key-value store's
global partition-key directory, renders the subnet manager's partition
configuration file whenever it changes, and SIGHUPs the subnet manager so it
reloads. It serves /healthz, /readyz and /metrics for the surrounding process
supervisor on --listen-addr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		templatePath, _ := cmd.Flags().GetString("template")
		targetPath, _ := cmd.Flags().GetString("target")
		subnetManager, _ := cmd.Flags().GetString("subnet-manager-name")
		pollTimeout, _ := cmd.Flags().GetDuration("poll-timeout")
		listenAddr, _ := cmd.Flags().GetString("listen-addr")

		daemon, err := pkeydaemon.New(pkeydaemon.Config{
			Store:             store,
			TemplatePath:      templatePath,
			TargetPath:        targetPath,
			SubnetManagerName: subnetManager,
			PollTimeout:       pollTimeout,
		})
		if err != nil {
			return err
		}

		health := api.NewHealthServer()
		go func() {
			if err := health.Start(listenAddr); err != nil {
				log.WithComponent("pkeydaemon").Error().Err(err).Msg("health server stopped")
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.WithComponent("pkeydaemon").Info().Msg("shutting down")
			cancel()
		}()

		health.SetReady(true)
		err = daemon.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	pkeyDaemonCmd.Flags().String("template", "", "Path to the partition file template, copied verbatim before generated entries (required)")
	pkeyDaemonCmd.Flags().String("target", "", "Path the rendered partition file is atomically written to (required)")
	pkeyDaemonCmd.Flags().String("subnet-manager-name", "opensm", "Process name signaled with SIGHUP after each render")
	pkeyDaemonCmd.Flags().Duration("poll-timeout", 30*time.Second, "Long-poll timeout waiting for the next partition-key directory change")
	pkeyDaemonCmd.Flags().String("listen-addr", "127.0.0.1:9102", "Address for the health/metrics HTTP server")
}
