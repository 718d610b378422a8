package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/kv/etcdstore"
	"github.com/clusterkit/netprov/pkg/kv/localstore"
	"github.com/clusterkit/netprov/pkg/kv/memstore"
)

// openStore builds the configured kv.Store backend. The backend choice and
// its connection details are process-level flags, not part of the network
// catalog: the catalog describes networks, not where the coordination state
// behind them lives.
func openStore(cmd *cobra.Command) (kv.Store, error) {
	backend, _ := cmd.Flags().GetString("kv-backend")

	switch backend {
	case "memstore":
		return memstore.New(), nil

	case "local":
		dataDir, _ := cmd.Flags().GetString("kv-datadir")
		store, err := localstore.Open(dataDir)
		if err != nil {
			return nil, fmt.Errorf("open local kv store at %s: %w", dataDir, err)
		}
		return store, nil

	case "etcd":
		endpoints, _ := cmd.Flags().GetStringSlice("kv-endpoints")
		if len(endpoints) == 0 {
			return nil, fmt.Errorf("--kv-endpoints is required for --kv-backend=etcd")
		}
		dialTimeout, _ := cmd.Flags().GetDuration("kv-dial-timeout")
		if dialTimeout == 0 {
			dialTimeout = 5 * time.Second
		}
		store, err := etcdstore.Dial(endpoints, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("dial etcd at %v: %w", endpoints, err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown --kv-backend %q (want memstore, local, or etcd)", backend)
	}
}
