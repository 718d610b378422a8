package network

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clusterkit/netprov/pkg/cluster"
	"github.com/clusterkit/netprov/pkg/idalloc"
	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/log"
	"github.com/clusterkit/netprov/pkg/netkit"
	"github.com/clusterkit/netprov/pkg/osadapter"
)

const (
	ibGuidsWaitTimeout = 60 * time.Second
	ibMLX4MaxRetries   = 5
	ibMLX4RetryBase    = 200 * time.Millisecond
)

// IB extends host-ib with fabric-wide partition-key coordination: one
// master per network allocates a pkey and publishes the deterministic VF
// GUIDs every touched host must program.
type IB struct {
	name     string
	settings IBSettings
	store    kv.Store
	alloc    *idalloc.Allocator
	minPkey  uint16
}

// NewIB constructs the ib network type.
func NewIB(name string, raw map[string]any, store kv.Store) (Network, error) {
	var s IBSettings
	if err := DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	minPkey, err := parsePkey(s.MinPkey)
	if err != nil {
		return nil, fmt.Errorf("min-pkey: %w", err)
	}
	maxPkey, err := parsePkey(s.MaxPkey)
	if err != nil {
		return nil, fmt.Errorf("max-pkey: %w", err)
	}
	if maxPkey < minPkey {
		return nil, fmt.Errorf("max-pkey %q below min-pkey %q: %w", s.MaxPkey, s.MinPkey, netkit.ErrConfig)
	}
	size := int(maxPkey) - int(minPkey) + 1
	return &IB{
		name:     name,
		settings: s,
		store:    store,
		alloc:    idalloc.New(store, fmt.Sprintf("net/type/ib/%s", name), "pkey_alloc_state", size),
		minPkey:  minPkey,
	}, nil
}

func parsePkey(s string) (uint16, error) {
	v, err := strconv.ParseUint(trimHexPrefix(s), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%q: %w: %w", s, netkit.ErrConfig, err)
	}
	return uint16(v), nil
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && (s[0:2] == "0x" || s[0:2] == "0X") {
		return s[2:]
	}
	return s
}

func (n *IB) Name() string { return n.name }
func (n *IB) Type() string { return "ib" }

func (n *IB) physSysfsDir() string { return hostIBPhysSysfsDir(n.settings.HostDevice) }
func (n *IB) family() osadapter.Family { return osadapter.DetectFamily(n.settings.HostDevice) }

func (n *IB) InitNode(ctx context.Context, hostRank int) error {
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

func pkeysDir() string { return "global/opensm" }
func pkeyEntryKey(pkey uint16) string { return fmt.Sprintf("0x%04x", pkey) }
func (n *IB) guidsDir() string { return fmt.Sprintf("cluster/%s/guids", n.name) }

type pkeyEntry struct {
	HostGUIDs []string `yaml:"host_guids"`
	VFGUIDs   []string `yaml:"vf_guids"`
}

func marshalPkeyEntry(e *pkeyEntry) ([]byte, error) { return yaml.Marshal(e) }

func (n *IB) AllocNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "alloc_node_resources", func() error {
		touchedHosts := c.HostRanksOnNetwork(n.name)
		if len(touchedHosts) == 0 {
			return nil
		}
		master, _ := c.MasterHostRank(n.name)
		isMaster := master == hostRank

		pkeyIdx, err := n.alloc.CollAllocOne(ctx, master, hostRank, n.name+"_pkey")
		if err != nil {
			return err
		}
		pkey := n.minPkey + uint16(pkeyIdx)

		portGUID, err := osadapter.PhysPortGUID(n.settings.HostDevice)
		if err != nil {
			return err
		}
		if err := n.store.Put(ctx, n.guidsDir(), fmt.Sprintf("%d", hostRank),
			[]byte(fmt.Sprintf("0x%016x", portGUID))); err != nil {
			return err
		}

		if isMaster {
			entries, err := n.store.WaitChildCount(ctx, n.guidsDir(), "", len(touchedHosts), ibGuidsWaitTimeout)
			if err != nil {
				return fmt.Errorf("wait for %d host guids on %s: %w", len(touchedHosts), n.name, err)
			}
			var hostGUIDs []string
			for _, v := range entries {
				hostGUIDs = append(hostGUIDs, string(v))
			}
			var vfGUIDs []string
			for _, vm := range c.VMsOnNetwork(n.name) {
				vp, vnd := ComputeVFGUIDs(pkey, vm.Rank)
				vfGUIDs = append(vfGUIDs, fmt.Sprintf("0x%016x", vp), fmt.Sprintf("0x%016x", vnd))
			}
			entry := pkeyEntry{HostGUIDs: hostGUIDs, VFGUIDs: vfGUIDs}
			data, err := marshalPkeyEntry(&entry)
			if err != nil {
				return err
			}
			if err := n.store.Put(ctx, pkeysDir(), pkeyEntryKey(pkey), data); err != nil {
				return err
			}
		}

		rec := NewAllocationRecord()
		rec.SetGlobalField("master", fmt.Sprintf("%d", master))
		rec.SetGlobalField("pkey", fmt.Sprintf("0x%04x", pkey))
		rec.SetGlobalField("pkey_index", fmt.Sprintf("%d", pkeyIdx))

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

			portGUID, nodeGUID := ComputeVFGUIDs(pkey, vm.Rank)

			if err := osadapter.BindVFIO(vfAddr); err != nil {
				allocErr = err
				break
			}

			switch n.family() {
			case osadapter.FamilyMLX5:
				if err := osadapter.MLX5SetVFGUIDs(n.physSysfsDir(), vfNum, portGUID, nodeGUID); err != nil {
					allocErr = err
					break
				}
			case osadapter.FamilyMLX4:
				if err := n.programMLX4Pkey(vfNum, pkey); err != nil {
					allocErr = err
					break
				}
			}
			if allocErr != nil {
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

// programMLX4Pkey retries with growing backoff: the fabric manager's
// propagation of a freshly allocated pkey to the switch is not synchronous
// with this write, and an MLX4 VF rejects a pkey table update the fabric
// hasn't learned about yet.
func (n *IB) programMLX4Pkey(vfNum int, pkey uint16) error {
	idx, err := osadapter.MLX4PkeyTableIndex(n.physSysfsDir(), vfNum)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < ibMLX4MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(ibMLX4RetryBase * time.Duration(1<<uint(attempt-1)))
		}
		lastErr = osadapter.MLX4SetVFPkey(n.physSysfsDir(), vfNum, idx, pkey)
		if lastErr == nil {
			return nil
		}
		log.WithNetwork(n.name).Debug().Err(lastErr).Int("attempt", attempt+1).Msg("mlx4 pkey program retry")
	}
	return fmt.Errorf("program mlx4 pkey 0x%04x on vf %d after %d attempts: %w", pkey, vfNum, ibMLX4MaxRetries, lastErr)
}

func (n *IB) LoadNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
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

func (n *IB) FreeNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
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

		if err := n.store.Delete(ctx, n.guidsDir(), fmt.Sprintf("%d", hostRank)); err != nil {
			return err
		}

		master, ok := c.MasterHostRank(n.name)
		if ok && master == hostRank {
			var pkeyIdx int
			fmt.Sscanf(rec.Global["pkey_index"], "%d", &pkeyIdx)
			var pkey uint16
			if p, err := parsePkey(rec.Global["pkey"]); err == nil {
				pkey = p
			}
			if err := n.store.Delete(ctx, pkeysDir(), pkeyEntryKey(pkey)); err != nil {
				return err
			}
			if err := n.alloc.FreeOne(ctx, pkeyIdx); err != nil {
				return err
			}
			if err := n.store.DeleteDir(ctx, n.guidsDir(), ""); err != nil {
				return err
			}
		}

		return DeleteRecord(ctx, n.store, n.name, hostRank)
	})
}

// CleanupNode unbinds every VF still bound to the passthrough driver and
// logs, but does not abort on, any individual failure so one stuck VF can't
// stop the rest from being reclaimed.
func (n *IB) CleanupNode(ctx context.Context, hostRank int) error {
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

// GetLicense returns the configured license whenever any VM uses this
// network, so the batch scheduler serializes jobs over a scarce fabric
// resource the way it does for any other license-gated consumable.
func (n *IB) GetLicense(c *cluster.Cluster) []string {
	if n.settings.License == "" {
		return nil
	}
	if len(c.VMsOnNetwork(n.name)) == 0 {
		return nil
	}
	return []string{n.settings.License}
}

var _ Network = (*IB)(nil)
