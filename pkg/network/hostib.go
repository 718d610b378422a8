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

const (
	hostIBStubDriver        = "pci-stub"
	hostIBPassthroughDriver = "vfio-pci"
)

// HostIB is the host-ib network type: SR-IOV InfiniBand passthrough scoped
// to a single host, with no fabric-wide pkey coordination.
type HostIB struct {
	name     string
	settings HostIBSettings
	store    kv.Store
}

// NewHostIB constructs the host-ib network type.
func NewHostIB(name string, raw map[string]any, store kv.Store) (Network, error) {
	var s HostIBSettings
	if err := DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	return &HostIB{name: name, settings: s, store: store}, nil
}

func (n *HostIB) Name() string { return n.name }
func (n *HostIB) Type() string { return "hostib" }

func (n *HostIB) physSysfsDir() string { return hostIBPhysSysfsDir(n.settings.HostDevice) }

func (n *HostIB) family() osadapter.Family { return osadapter.DetectFamily(n.settings.HostDevice) }

// InitNode registers the device's vendor/device id with the stub driver
// before the passthrough driver, so no window exists where an unbound VF
// could be claimed by the host's InfiniBand driver instead.
func (n *HostIB) InitNode(ctx context.Context, hostRank int) error {
	return RunPhase(n.Type(), n.name, "init_node", func() error {
		if n.family() == osadapter.FamilyUnknown {
			return fmt.Errorf("unknown ib device family for %q: %w", n.settings.HostDevice, netkit.ErrConfig)
		}
		addr, err := hostIBPhysAddr(n.settings.HostDevice)
		if err != nil {
			return err
		}
		vendorDevice, err := osadapter.ReadVendorDevice(addr)
		if err != nil {
			return err
		}
		if err := osadapter.RegisterDriverID(hostIBStubDriver, vendorDevice); err != nil {
			return err
		}
		return osadapter.RegisterDriverID(hostIBPassthroughDriver, vendorDevice)
	})
}

func (n *HostIB) AllocNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "alloc_node_resources", func() error {
		rec := NewAllocationRecord()
		owner, err := BatchUser()
		if err != nil {
			return err
		}

		vfAddrs, err := osadapter.VFAddresses(n.physSysfsDir())
		if err != nil {
			return err
		}
		used, err := osadapter.AddressesWithDriver(vfAddrs, hostIBPassthroughDriver)
		if err != nil {
			return err
		}
		usedSet := make(map[string]bool, len(used))
		for _, a := range used {
			usedSet[a] = true
		}

		var allocErr error
		next := 0
		for _, vm := range c.LocalVMsOnNetwork(n.name, hostRank) {
			var vfAddr string
			var vfNum int
			for ; next < len(vfAddrs); next++ {
				if !usedSet[vfAddrs[next]] {
					vfAddr = vfAddrs[next]
					vfNum = next
					next++
					break
				}
			}
			if vfAddr == "" {
				allocErr = fmt.Errorf("no free vf on device %q: %w", n.settings.HostDevice, netkit.ErrResourceExhausted)
				break
			}

			portGUID, nodeGUID, ok := n.envGUIDs()
			if !ok {
				portGUID, nodeGUID, err = RandomVFGUIDs()
				if err != nil {
					allocErr = err
					break
				}
			}

			switch n.family() {
			case osadapter.FamilyMLX5:
				if err := osadapter.MLX5SetVFGUIDs(n.physSysfsDir(), vfNum, portGUID, nodeGUID); err != nil {
					allocErr = err
					break
				}
			case osadapter.FamilyMLX4:
				idx, err := osadapter.MLX4PkeyTableIndex(n.physSysfsDir(), vfNum)
				if err != nil {
					allocErr = err
					break
				}
				if err := osadapter.MLX4SetVFPkey(n.physSysfsDir(), vfNum, idx, uint16(portGUID)); err != nil {
					allocErr = err
					break
				}
			}
			if allocErr != nil {
				break
			}

			if err := osadapter.BindVFIO(vfAddr); err != nil {
				allocErr = err
				break
			}
			if err := osadapter.ChownIOMMUGroup(ctx, vfAddr, owner); err != nil {
				allocErr = err
				break
			}

			rec.SetVMField(vm.Rank, "vf_addr", vfAddr)
			vm.AddVfioIf(n.name, vfAddr)
		}

		if err := PutRecord(ctx, n.store, n.name, hostRank, rec); err != nil && allocErr == nil {
			allocErr = err
		}
		return allocErr
	})
}

// envGUIDs reads both environment overrides; they must either both be set
// or both be absent, since a partial override would leave one GUID random
// and the other pinned.
func (n *HostIB) envGUIDs() (portGUID, nodeGUID uint64, ok bool) {
	port, okPort := EnvGUID(n.name, "PORT")
	node, okNode := EnvGUID(n.name, "NODE")
	if okPort && okNode {
		return port, node, true
	}
	return 0, 0, false
}

func (n *HostIB) LoadNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
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
			vm.AddVfioIf(n.name, fields["vf_addr"])
		}
		return nil
	})
}

func (n *HostIB) FreeNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "free_node_resources", func() error {
		rec, err := GetRecord(ctx, n.store, n.name, hostRank)
		if err != nil {
			return err
		}
		vfAddrs, err := osadapter.VFAddresses(n.physSysfsDir())
		if err != nil {
			return err
		}
		indexOf := make(map[string]int, len(vfAddrs))
		for i, a := range vfAddrs {
			indexOf[a] = i
		}

		for _, vm := range c.LocalVMsOnNetwork(n.name, hostRank) {
			vfAddr := rec.VMs[vm.Rank]["vf_addr"]
			if vfAddr == "" {
				continue
			}
			vfNum, ok := indexOf[vfAddr]
			if !ok {
				continue
			}
			switch n.family() {
			case osadapter.FamilyMLX5:
				if err := osadapter.MLX5ClearVFGUIDs(n.physSysfsDir(), vfNum); err != nil {
					return err
				}
			case osadapter.FamilyMLX4:
				idx, err := osadapter.MLX4PkeyTableIndex(n.physSysfsDir(), vfNum)
				if err == nil {
					if err := osadapter.MLX4ClearVFPkey(n.physSysfsDir(), vfNum, idx); err != nil {
						return err
					}
				}
			}
			if err := osadapter.UnbindDriver(vfAddr); err != nil {
				return err
			}
		}
		return DeleteRecord(ctx, n.store, n.name, hostRank)
	})
}

// CleanupNode unbinds every VF still bound to the passthrough driver and
// logs, but does not abort on, any individual failure so one stuck VF can't
// stop the rest from being reclaimed.
func (n *HostIB) CleanupNode(ctx context.Context, hostRank int) error {
	return RunPhase(n.Type(), n.name, "cleanup_node", func() error {
		vfAddrs, err := osadapter.VFAddresses(n.physSysfsDir())
		if err != nil {
			return err
		}
		bound, err := osadapter.AddressesWithDriver(vfAddrs, hostIBPassthroughDriver)
		if err != nil {
			return err
		}
		logger := log.WithNetwork(n.name)
		var errs []error
		for _, addr := range bound {
			if err := osadapter.UnbindDriver(addr); err != nil {
				logger.Warn().Err(err).Str("vf_addr", addr).Msg("cleanup_node: unbind vf failed")
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (n *HostIB) GetLicense(c *cluster.Cluster) []string { return nil }

var _ Network = (*HostIB)(nil)
