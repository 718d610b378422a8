package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/clusterkit/netprov/pkg/cluster"
	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/log"
	"github.com/clusterkit/netprov/pkg/netkit"
	"github.com/clusterkit/netprov/pkg/osadapter"
)

// Bridged attaches each local VM to a pre-existing host bridge via a
// uniquely-named TAP device.
type Bridged struct {
	name     string
	settings BridgedSettings
	store    kv.Store
}

// NewBridged constructs the bridged network type from validated settings.
func NewBridged(name string, raw map[string]any, store kv.Store) (Network, error) {
	var s BridgedSettings
	if err := DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	s.applyDefaults()
	return &Bridged{name: name, settings: s, store: store}, nil
}

func (n *Bridged) Name() string { return n.name }
func (n *Bridged) Type() string { return "bridged" }

func (n *Bridged) InitNode(ctx context.Context, hostRank int) error {
	return RunPhase(n.Type(), n.name, "init_node", func() error {
		exists, err := osadapter.BridgeExists(ctx, n.settings.HostBridge)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("host bridge %q does not exist: %w", n.settings.HostBridge, netkit.ErrConfig)
		}
		return nil
	})
}

func (n *Bridged) AllocNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "alloc_node_resources", func() error {
		rec := NewAllocationRecord()
		owner, err := BatchUser()
		if err != nil {
			return err
		}

		var allocErr error
		for _, vm := range c.LocalVMsOnNetwork(n.name, hostRank) {
			idx, err := osadapter.NextFreeIndex(ctx, n.settings.TapPrefix)
			if err != nil {
				allocErr = err
				break
			}
			tapName := fmt.Sprintf("%s%d", n.settings.TapPrefix, idx)

			if err := osadapter.CreateTap(ctx, tapName, owner); err != nil {
				allocErr = err
				break
			}
			if err := osadapter.SetLinkUp(ctx, tapName); err != nil {
				allocErr = err
				break
			}
			if err := osadapter.SetLinkMTU(ctx, tapName, n.settings.MTU); err != nil {
				allocErr = err
				break
			}
			if _, err := osadapter.AddPort(ctx, n.settings.HostBridge, tapName); err != nil {
				allocErr = err
				break
			}

			rec.SetVMField(vm.Rank, "tap", tapName)
		}

		if err := PutRecord(ctx, n.store, n.name, hostRank, rec); err != nil {
			if allocErr == nil {
				allocErr = err
			}
		}
		return allocErr
	})
}

func (n *Bridged) LoadNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "load_node_resources", func() error {
		rec, err := GetRecord(ctx, n.store, n.name, hostRank)
		if err != nil {
			return err
		}
		for _, vm := range c.LocalVMsOnNetwork(n.name, hostRank) {
			fields, ok := rec.VMs[vm.Rank]
			if !ok {
				return fmt.Errorf("no allocation record for vm rank %d: %w", vm.Rank, netkit.ErrStateMissing)
			}
			mac, ok := EnvHWAddr(n.name)
			if !ok {
				mac, err = RandomLocalMAC()
				if err != nil {
					return err
				}
			}
			vm.AddEthIf(n.name, fields["tap"], mac, 0)
		}
		return nil
	})
}

func (n *Bridged) FreeNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "free_node_resources", func() error {
		rec, err := GetRecord(ctx, n.store, n.name, hostRank)
		if err != nil {
			return err
		}
		for _, vm := range c.LocalVMsOnNetwork(n.name, hostRank) {
			tap := rec.VMs[vm.Rank]["tap"]
			if tap == "" {
				continue
			}
			if err := osadapter.DeletePort(ctx, n.settings.HostBridge, tap); err != nil {
				return err
			}
			if err := osadapter.DeleteTap(ctx, tap); err != nil {
				return err
			}
		}
		return DeleteRecord(ctx, n.store, n.name, hostRank)
	})
}

// CleanupNode reclaims every leftover tap it can find and logs, but does not
// abort on, any individual failure so one stuck tap can't stop the rest of
// the sweep from reclaiming what it can.
func (n *Bridged) CleanupNode(ctx context.Context, hostRank int) error {
	return RunPhase(n.Type(), n.name, "cleanup_node", func() error {
		taps, err := osadapter.ListLinksWithPrefix(ctx, n.settings.TapPrefix)
		if err != nil {
			return err
		}
		logger := log.WithNetwork(n.name)
		var errs []error
		for _, tap := range taps {
			if err := osadapter.DeletePort(ctx, n.settings.HostBridge, tap); err != nil {
				logger.Warn().Err(err).Str("tap", tap).Msg("cleanup_node: delete port failed")
				errs = append(errs, err)
			}
			if err := osadapter.DeleteTap(ctx, tap); err != nil {
				logger.Warn().Err(err).Str("tap", tap).Msg("cleanup_node: delete tap failed")
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (n *Bridged) GetLicense(c *cluster.Cluster) []string { return nil }

var _ Network = (*Bridged)(nil)
