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

const genericPCIPassthroughDriver = "vfio-pci"

// GenericPCI passes arbitrary PCI devices through to VMs from a configured
// address list, with no device-class-specific programming.
type GenericPCI struct {
	name     string
	settings GenericPCISettings
	store    kv.Store
}

// NewGenericPCI constructs the genericpci network type.
func NewGenericPCI(name string, raw map[string]any, store kv.Store) (Network, error) {
	var s GenericPCISettings
	if err := DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	if len(s.HostDeviceAddrs) == 0 {
		return nil, fmt.Errorf("genericpci network %q: host-device-addrs is empty: %w", name, netkit.ErrConfig)
	}
	return &GenericPCI{name: name, settings: s, store: store}, nil
}

func (n *GenericPCI) Name() string { return n.name }
func (n *GenericPCI) Type() string { return "genericpci" }

func (n *GenericPCI) InitNode(ctx context.Context, hostRank int) error {
	return RunPhase(n.Type(), n.name, "init_node", func() error {
		for _, addr := range n.settings.HostDeviceAddrs {
			vendorDevice, err := osadapter.ReadVendorDevice(addr)
			if err != nil {
				return err
			}
			if err := osadapter.RegisterDriverID(n.settings.HostDriver, vendorDevice); err != nil {
				return err
			}
			if err := osadapter.RegisterDriverID(genericPCIPassthroughDriver, vendorDevice); err != nil {
				return err
			}
		}
		return nil
	})
}

func (n *GenericPCI) AllocNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "alloc_node_resources", func() error {
		rec := NewAllocationRecord()
		owner, err := BatchUser()
		if err != nil {
			return err
		}

		bound, err := osadapter.AddressesWithDriver(n.settings.HostDeviceAddrs, genericPCIPassthroughDriver)
		if err != nil {
			return err
		}
		usedSet := make(map[string]bool, len(bound))
		for _, a := range bound {
			usedSet[a] = true
		}

		var allocErr error
		for _, vm := range c.LocalVMsOnNetwork(n.name, hostRank) {
			var devAddr string
			for _, addr := range n.settings.HostDeviceAddrs {
				if !usedSet[addr] {
					devAddr = addr
					usedSet[addr] = true
					break
				}
			}
			if devAddr == "" {
				allocErr = fmt.Errorf("no free device on network %q: %w", n.name, netkit.ErrResourceExhausted)
				break
			}

			if err := osadapter.BindVFIO(devAddr); err != nil {
				allocErr = err
				break
			}
			if err := osadapter.ChownIOMMUGroup(ctx, devAddr, owner); err != nil {
				allocErr = err
				break
			}

			rec.SetVMField(vm.Rank, "dev_addr", devAddr)
			vm.AddVfioIf(n.name, devAddr)
		}

		if err := PutRecord(ctx, n.store, n.name, hostRank, rec); err != nil && allocErr == nil {
			allocErr = err
		}
		return allocErr
	})
}

func (n *GenericPCI) LoadNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
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
			vm.AddVfioIf(n.name, fields["dev_addr"])
		}
		return nil
	})
}

func (n *GenericPCI) FreeNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "free_node_resources", func() error {
		rec, err := GetRecord(ctx, n.store, n.name, hostRank)
		if err != nil {
			return err
		}
		for _, vm := range c.LocalVMsOnNetwork(n.name, hostRank) {
			devAddr := rec.VMs[vm.Rank]["dev_addr"]
			if devAddr == "" {
				continue
			}
			if err := osadapter.BindDriver(devAddr, n.settings.HostDriver); err != nil {
				return err
			}
		}
		return DeleteRecord(ctx, n.store, n.name, hostRank)
	})
}

// CleanupNode rebinds every leftover device to its host driver and logs,
// but does not abort on, any individual failure so one stuck device can't
// stop the rest from being reclaimed.
func (n *GenericPCI) CleanupNode(ctx context.Context, hostRank int) error {
	return RunPhase(n.Type(), n.name, "cleanup_node", func() error {
		bound, err := osadapter.AddressesWithDriver(n.settings.HostDeviceAddrs, genericPCIPassthroughDriver)
		if err != nil {
			return err
		}
		logger := log.WithNetwork(n.name)
		var errs []error
		for _, addr := range bound {
			if err := osadapter.BindDriver(addr, n.settings.HostDriver); err != nil {
				logger.Warn().Err(err).Str("dev_addr", addr).Msg("cleanup_node: rebind device failed")
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (n *GenericPCI) GetLicense(c *cluster.Cluster) []string { return nil }

var _ Network = (*GenericPCI)(nil)
