package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/clusterkit/netprov/pkg/cluster"
	"github.com/clusterkit/netprov/pkg/dhcpserver"
	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/log"
	"github.com/clusterkit/netprov/pkg/netkit"
	"github.com/clusterkit/netprov/pkg/osadapter"
)

// NAT provides outbound NAT and optional inbound port-forwarding for one
// well-known VM IP that is identical across every VM but masqueraded to a
// unique per-VM address on the host bridge.
type NAT struct {
	name     string
	settings NATSettings
	store    kv.Store
	nat      *NATAddressing
	vmBits   int
}

// NewNAT constructs the nat network type. The NAT and VM network CIDRs are
// parsed once here so every later phase reuses the same derived bit width,
// closing off any chance of alloc-time and cleanup-time rules diverging.
func NewNAT(name string, raw map[string]any, store kv.Store) (Network, error) {
	var s NATSettings
	if err := DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	s.applyDefaults()

	natAddr, err := ParseNATNetwork(s.NATNetwork)
	if err != nil {
		return nil, fmt.Errorf("nat-network: %w: %w", netkit.ErrConfig, err)
	}
	vmAddr, err := ParseNATNetwork(s.VMNetwork)
	if err != nil {
		return nil, fmt.Errorf("vm-network: %w: %w", netkit.ErrConfig, err)
	}

	return &NAT{name: name, settings: s, store: store, nat: natAddr, vmBits: vmAddr.Bits()}, nil
}

func (n *NAT) Name() string { return n.name }
func (n *NAT) Type() string { return "nat" }

// bridgeHostIP is the bridge's own address on the NAT-side network, one
// below the first VM's masqueraded address.
func (n *NAT) bridgeHostIP() (string, error) { return n.nat.Host(1) }

func (n *NAT) vmNATIP(tapID int) (string, error) { return n.nat.Host(tapID + 2) }

func (n *NAT) InitNode(ctx context.Context, hostRank int) error {
	return RunPhase(n.Type(), n.name, "init_node", func() error {
		if err := osadapter.EnsureBridge(ctx, n.settings.Bridge, n.settings.BridgeHWAddr); err != nil {
			return err
		}

		gwCIDR := fmt.Sprintf("%s/%d", n.settings.VMNetworkGW, n.vmBits)
		if err := osadapter.SetBridgeIP(ctx, n.settings.Bridge, gwCIDR); err != nil {
			return err
		}
		hostIP, err := n.bridgeHostIP()
		if err != nil {
			return err
		}
		if err := osadapter.SetBridgeIP(ctx, n.settings.Bridge, fmt.Sprintf("%s/%d", hostIP, n.nat.Bits())); err != nil {
			return err
		}

		if err := n.startDHCP(hostIP); err != nil {
			return err
		}

		if err := osadapter.EnableIPv4Forwarding(ctx); err != nil {
			return err
		}
		if err := osadapter.SetForwardPolicyDrop(ctx); err != nil {
			return err
		}
		for _, rule := range n.firewallRules() {
			if err := osadapter.EnsureRule(ctx, rule); err != nil {
				return err
			}
		}

		for _, flow := range n.initFlows() {
			if err := osadapter.AddFlow(ctx, n.settings.Bridge, flow); err != nil {
				return err
			}
		}
		return nil
	})
}

func (n *NAT) startDHCP(hostIP string) error {
	mac, err := net.ParseMAC(n.settings.VMHWAddr)
	if err != nil {
		return fmt.Errorf("vm-hwaddr %q: %w: %w", n.settings.VMHWAddr, netkit.ErrConfig, err)
	}
	gw := net.ParseIP(n.settings.VMNetworkGW)
	vmIP := net.ParseIP(n.settings.VMIP)
	_, vmNet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", n.settings.VMNetworkGW, n.vmBits))
	if err != nil {
		return err
	}

	cfg := dhcpserver.Config{
		Bridge:     n.settings.Bridge,
		VMMAC:      mac,
		VMIP:       vmIP,
		Netmask:    vmNet.Mask,
		Gateway:    gw,
		DomainName: n.settings.DomainName,
	}
	if n.settings.DNSServer != "" {
		cfg.DNSServer = net.ParseIP(n.settings.DNSServer)
	}
	if n.settings.NTPServer != "" {
		cfg.NTPServer = net.ParseIP(n.settings.NTPServer)
	}
	return dhcpserver.EnsureRunning(cfg)
}

// firewallRules are the host-wide rules installed once by init_node and
// reversed verbatim by cleanup_node.
func (n *NAT) firewallRules() []osadapter.Rule {
	natCIDR := n.nat.CIDR
	rules := []osadapter.Rule{
		{"FORWARD", "-d", natCIDR, "-p", "tcp", "-m", "state", "--state", "NEW", "--dport", "22", "-j", "ACCEPT"},
		{"FORWARD", "-d", natCIDR, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
	}
	if n.settings.AllowOutbound == "none" {
		rules = append(rules, osadapter.Rule{"FORWARD", "-s", natCIDR, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"})
	} else {
		rules = append(rules, osadapter.Rule{"FORWARD", "-s", natCIDR, "-j", "ACCEPT"})
	}
	rules = append(rules,
		osadapter.Rule{"-t", "nat", "POSTROUTING", "-s", natCIDR, "-p", "tcp", "-m", "multiport", "--dports", "1024:65535", "-j", "MASQUERADE"},
		osadapter.Rule{"-t", "nat", "POSTROUTING", "-s", natCIDR, "-p", "udp", "-m", "multiport", "--dports", "1024:65535", "-j", "MASQUERADE"},
		osadapter.Rule{"-t", "nat", "POSTROUTING", "-s", natCIDR, "-j", "MASQUERADE"},
	)
	return rules
}

func (n *NAT) initFlows() []string {
	return []string{
		fmt.Sprintf("priority=2000,arp,arp_op=1,arp_tpa=%s,actions=local", n.settings.VMNetworkGW),
		fmt.Sprintf("priority=2000,in_port=LOCAL,arp,arp_op=2,arp_spa=%s,actions=flood", n.settings.VMIP),
		"priority=2000,in_port=LOCAL,udp,tp_src=68,actions=flood",
	}
}

func (n *NAT) rnatRules(hostPort int, vmNATIP string) []osadapter.Rule {
	rn := n.settings.ReverseNAT
	dest := fmt.Sprintf("%s:%d", vmNATIP, rn.VMPort)
	dport := fmt.Sprintf("%d", hostPort)
	return []osadapter.Rule{
		{"-t", "nat", "PREROUTING", "-p", "tcp", "--dport", dport, "-j", "DNAT", "--to-destination", dest},
		{"-t", "nat", "OUTPUT", "-p", "tcp", "--dport", dport, "-j", "DNAT", "--to-destination", dest},
	}
}

func (n *NAT) AllocNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "alloc_node_resources", func() error {
		rec := NewAllocationRecord()
		owner, err := BatchUser()
		if err != nil {
			return err
		}

		var allocErr error
		for _, vm := range c.LocalVMsOnNetwork(n.name, hostRank) {
			tapID, err := osadapter.NextFreeIndex(ctx, n.settings.TapPrefix)
			if err != nil {
				allocErr = err
				break
			}
			tapName := fmt.Sprintf("%s%d", n.settings.TapPrefix, tapID)
			vmNATIP, err := n.vmNATIP(tapID)
			if err != nil {
				allocErr = err
				break
			}

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
			port, err := osadapter.AddPort(ctx, n.settings.Bridge, tapName)
			if err != nil {
				allocErr = err
				break
			}

			if err := osadapter.AddFlow(ctx, n.settings.Bridge, fmt.Sprintf(
				"priority=1000,in_port=%d,ip,nw_src=%s,actions=mod_nw_src:%s,local",
				port, n.settings.VMIP, vmNATIP)); err != nil {
				allocErr = err
				break
			}
			if err := osadapter.AddFlow(ctx, n.settings.Bridge, fmt.Sprintf(
				"priority=1000,in_port=LOCAL,ip,nw_dst=%s,actions=mod_nw_dst:%s,output:%d",
				vmNATIP, n.settings.VMIP, port)); err != nil {
				allocErr = err
				break
			}
			if err := osadapter.AddFlow(ctx, n.settings.Bridge, fmt.Sprintf(
				"priority=1000,in_port=%d,udp,tp_dst=67,actions=local", port)); err != nil {
				allocErr = err
				break
			}

			if err := osadapter.AddStaticARP(ctx, n.settings.Bridge, vmNATIP, n.settings.VMHWAddr); err != nil {
				allocErr = err
				break
			}

			rec.SetVMField(vm.Rank, "tap", tapName)
			rec.SetVMField(vm.Rank, "nat_ip", vmNATIP)
			rec.SetVMField(vm.Rank, "port", fmt.Sprintf("%d", port))

			if n.settings.ReverseNAT != nil {
				rn := n.settings.ReverseNAT
				hostPort := rn.MinHostPort + tapID
				if hostPort > rn.MaxHostPort {
					allocErr = fmt.Errorf("reverse-nat port range exhausted for %s: %w", n.name, netkit.ErrResourceExhausted)
					break
				}
				for _, rule := range n.rnatRules(hostPort, vmNATIP) {
					if err := osadapter.EnsureRule(ctx, rule); err != nil {
						allocErr = err
						break
					}
				}
				if allocErr != nil {
					break
				}
				rnatDir := fmt.Sprintf("cluster/rnat/%d", vm.Rank)
				if err := n.store.Put(ctx, rnatDir, fmt.Sprintf("%d", rn.VMPort), []byte(fmt.Sprintf("%d", hostPort))); err != nil {
					allocErr = err
					break
				}
				rec.SetVMField(vm.Rank, "rnat_host_port", fmt.Sprintf("%d", hostPort))
			}
		}

		if err := PutRecord(ctx, n.store, n.name, hostRank, rec); err != nil && allocErr == nil {
			allocErr = err
		}
		return allocErr
	})
}

func (n *NAT) LoadNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
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
			var hostPort int
			if hp := fields["rnat_host_port"]; hp != "" {
				fmt.Sscanf(hp, "%d", &hostPort)
			}
			vm.AddEthIf(n.name, fields["tap"], n.settings.VMHWAddr, hostPort)
		}
		return nil
	})
}

func (n *NAT) FreeNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error {
	return RunPhase(n.Type(), n.name, "free_node_resources", func() error {
		rec, err := GetRecord(ctx, n.store, n.name, hostRank)
		if err != nil {
			return err
		}
		for _, vm := range c.LocalVMsOnNetwork(n.name, hostRank) {
			fields := rec.VMs[vm.Rank]
			tap := fields["tap"]
			if tap == "" {
				continue
			}
			vmNATIP := fields["nat_ip"]
			if err := osadapter.DelFlows(ctx, n.settings.Bridge, fmt.Sprintf("ip,nw_dst=%s", vmNATIP)); err != nil {
				return err
			}
			if err := osadapter.DelFlows(ctx, n.settings.Bridge, fmt.Sprintf("in_port=%s", fields["port"])); err != nil {
				return err
			}
			if err := osadapter.DeletePort(ctx, n.settings.Bridge, tap); err != nil {
				return err
			}
			if err := osadapter.DeleteTap(ctx, tap); err != nil {
				return err
			}
			if err := osadapter.DeleteARP(ctx, n.settings.Bridge, vmNATIP); err != nil {
				return err
			}

			if hp := fields["rnat_host_port"]; hp != "" && n.settings.ReverseNAT != nil {
				var hostPort int
				fmt.Sscanf(hp, "%d", &hostPort)
				for _, rule := range n.rnatRules(hostPort, vmNATIP) {
					if err := osadapter.DeleteRule(ctx, rule); err != nil {
						return err
					}
				}
				rnatDir := fmt.Sprintf("cluster/rnat/%d", vm.Rank)
				if err := n.store.Delete(ctx, rnatDir, fmt.Sprintf("%d", n.settings.ReverseNAT.VMPort)); err != nil {
					return err
				}
			}
		}
		return DeleteRecord(ctx, n.store, n.name, hostRank)
	})
}

// CleanupNode reclaims every leftover resource it can find and logs, but
// does not abort on, any individual failure: one busy device or stale rule
// must not stop the rest of the sweep from reclaiming what it can.
func (n *NAT) CleanupNode(ctx context.Context, hostRank int) error {
	return RunPhase(n.Type(), n.name, "cleanup_node", func() error {
		logger := log.WithNetwork(n.name)
		var errs []error

		if err := dhcpserver.Stop(n.settings.Bridge); err != nil {
			logger.Warn().Err(err).Msg("cleanup_node: stop dhcp server failed")
			errs = append(errs, err)
		}
		for _, rule := range n.firewallRules() {
			if err := osadapter.DeleteRule(ctx, rule); err != nil {
				logger.Warn().Err(err).Strs("rule", rule).Msg("cleanup_node: delete firewall rule failed")
				errs = append(errs, err)
			}
		}
		if err := osadapter.DeleteBridge(ctx, n.settings.Bridge); err != nil {
			logger.Warn().Err(err).Str("bridge", n.settings.Bridge).Msg("cleanup_node: delete bridge failed")
			errs = append(errs, err)
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

func (n *NAT) GetLicense(c *cluster.Cluster) []string { return nil }

var _ Network = (*NAT)(nil)
