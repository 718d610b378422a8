package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/clusterkit/netprov/pkg/cluster"
	"github.com/clusterkit/netprov/pkg/idalloc"
	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/log"
	"github.com/clusterkit/netprov/pkg/netkit"
	"github.com/clusterkit/netprov/pkg/osadapter"
)

const (
	pvTunnelIDMin = 1024
	pvTunnelIDMax = 65535
	pvAllocDir    = "net/type/pv"
	pvBitmapKey   = "key_alloc_state"
)

// PV is the private-overlay network type: one software-switch bridge per
// host, linked to every peer host via tunnels keyed by a single
// cluster-wide tunnel id.
type PV struct {
	name     string
	settings PVSettings
	store    kv.Store
	alloc    *idalloc.Allocator
}

// NewPV constructs the pv network type. Its tunnel-id bitmap is shared
// across every pv-typed catalog entry (one switch-wide id space), while the
// published result is keyed per network name so entries never collide.
func NewPV(name string, raw map[string]any, store kv.Store) (Network, error) {
	var s PVSettings
	if err := DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	s.applyDefaults()
	size := pvTunnelIDMax - pvTunnelIDMin + 1
	return &PV{
		name:     name,
		settings: s,
		store:    store,
		alloc:    idalloc.New(store, pvAllocDir, pvBitmapKey, size),
	}, nil
}

func (n *PV) Name() string { return n.name }
func (n *PV) Type() string { return "pv" }

func (n *PV) label() string { return n.name + "_key" }

func (n *PV) bridgeName(hostRank int) string {
	return fmt.Sprintf("%s%d", n.settings.BridgePrefix, hostRank)
}

func (n *PV) InitNode(ctx context.Context, hostRank int) error {
	return RunPhase(n.Type(), n.name, "init_node", func() error { return nil })
}

func (n *PV) AllocNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "alloc_node_resources", func() error {
		if len(c.LocalVMsOnNetwork(n.name, hostRank)) == 0 {
			return nil
		}

		master, ok := c.MasterHostRank(n.name)
		if !ok {
			return nil
		}

		tunIdx, err := n.alloc.CollAllocOne(ctx, master, hostRank, n.label())
		if err != nil {
			return err
		}
		tunID := tunIdx + pvTunnelIDMin

		bridge := n.bridgeName(hostRank)
		if err := osadapter.EnsureBridge(ctx, bridge, ""); err != nil {
			return err
		}
		if err := osadapter.SetLinkMTU(ctx, bridge, n.settings.MTU); err != nil {
			return err
		}

		owner, err := BatchUser()
		if err != nil {
			return err
		}

		rec := NewAllocationRecord()
		rec.SetGlobalField("bridge", bridge)
		rec.SetGlobalField("tun_id", fmt.Sprintf("%d", tunID))
		rec.SetGlobalField("master", fmt.Sprintf("%d", master))

		tunnelPorts := make(map[int]int) // remote host rank -> ofport
		var localPorts []int

		var allocErr error
		for _, vm := range c.VMsOnNetwork(n.name) {
			mac, err := DeterministicMAC(n.settings.MACPrefix, vm.Rank)
			if err != nil {
				allocErr = err
				break
			}

			if vm.IsOnNode(hostRank) {
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
				port, err := osadapter.AddPort(ctx, bridge, tapName)
				if err != nil {
					allocErr = err
					break
				}

				if err := osadapter.AddFlow(ctx, bridge,
					fmt.Sprintf("priority=3000,dl_dst=%s,actions=output:%d", mac, port)); err != nil {
					allocErr = err
					break
				}
				if err := osadapter.AddFlow(ctx, bridge,
					fmt.Sprintf("priority=2000,in_port=%d,actions=flood", port)); err != nil {
					allocErr = err
					break
				}

				rec.SetVMField(vm.Rank, "tap", tapName)
				rec.SetVMField(vm.Rank, "mac", mac)
				rec.SetVMField(vm.Rank, "port", fmt.Sprintf("%d", port))
				localPorts = append(localPorts, port)
				continue
			}

			port, ok := tunnelPorts[vm.HostRank]
			if !ok {
				remoteIP, known := c.HostIP(vm.HostRank)
				if !known {
					allocErr = fmt.Errorf("no underlay address known for host rank %d: %w", vm.HostRank, netkit.ErrConfig)
					break
				}
				tunnelName := fmt.Sprintf("%s-t%d", n.settings.BridgePrefix, vm.HostRank)
				port, err = osadapter.AddVXLANTunnel(ctx, bridge, tunnelName, remoteIP, tunID)
				if err != nil {
					allocErr = err
					break
				}
				tunnelPorts[vm.HostRank] = port
			}

			if err := osadapter.AddFlow(ctx, bridge,
				fmt.Sprintf("priority=3000,dl_dst=%s,actions=output:%d", mac, port)); err != nil {
				allocErr = err
				break
			}
		}

		if allocErr == nil && len(localPorts) > 0 {
			outputs := ""
			for i, p := range localPorts {
				if i > 0 {
					outputs += ","
				}
				outputs += fmt.Sprintf("output:%d", p)
			}
			allocErr = osadapter.AddFlow(ctx, bridge, fmt.Sprintf("priority=1000,actions=%s", outputs))
		}

		if err := PutRecord(ctx, n.store, n.name, hostRank, rec); err != nil && allocErr == nil {
			allocErr = err
		}
		return allocErr
	})
}

func (n *PV) LoadNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
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
			vm.AddEthIf(n.name, fields["tap"], fields["mac"], 0)
		}
		return nil
	})
}

func (n *PV) FreeNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "free_node_resources", func() error {
		rec, err := GetRecord(ctx, n.store, n.name, hostRank)
		if err != nil {
			return err
		}
		bridge := rec.Global["bridge"]

		for _, vm := range c.LocalVMsOnNetwork(n.name, hostRank) {
			tap := rec.VMs[vm.Rank]["tap"]
			if tap == "" {
				continue
			}
			if err := osadapter.DeletePort(ctx, bridge, tap); err != nil {
				return err
			}
			if err := osadapter.DeleteTap(ctx, tap); err != nil {
				return err
			}
		}
		if err := osadapter.DeleteBridge(ctx, bridge); err != nil {
			return err
		}

		master, ok := c.MasterHostRank(n.name)
		if ok && master == hostRank {
			var tunIdx int
			if _, err := fmt.Sscanf(rec.Global["tun_id"], "%d", &tunIdx); err == nil {
				if err := n.alloc.FreeOne(ctx, tunIdx-pvTunnelIDMin); err != nil {
					return err
				}
			}
			if err := n.store.DeleteDir(ctx, pvAllocDir, n.label()); err != nil {
				return err
			}
		}

		return DeleteRecord(ctx, n.store, n.name, hostRank)
	})
}

// CleanupNode reclaims every leftover bridge and tap it can find and logs,
// but does not abort on, any individual failure so a single busy resource
// can't stop the rest of the sweep from reclaiming what it can.
func (n *PV) CleanupNode(ctx context.Context, hostRank int) error {
	return RunPhase(n.Type(), n.name, "cleanup_node", func() error {
		logger := log.WithNetwork(n.name)
		var errs []error

		bridges, err := osadapter.ListBridgesWithPrefix(ctx, n.settings.BridgePrefix)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		for _, bridge := range bridges {
			if err := osadapter.DeleteBridge(ctx, bridge); err != nil {
				logger.Warn().Err(err).Str("bridge", bridge).Msg("cleanup_node: delete bridge failed")
				errs = append(errs, err)
			}
		}
		taps, err := osadapter.ListLinksWithPrefix(ctx, n.settings.TapPrefix)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		for _, tap := range taps {
			if err := osadapter.DeleteTap(ctx, tap); err != nil {
				logger.Warn().Err(err).Str("tap", tap).Msg("cleanup_node: delete tap failed")
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (n *PV) GetLicense(c *cluster.Cluster) []string { return nil }

var _ Network = (*PV)(nil)
