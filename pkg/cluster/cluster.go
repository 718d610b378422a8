// Package cluster models the VM/host assignment the lifecycle engine
// consumes from the surrounding batch system, and the interface
// attachments it produces for the VM launcher.
package cluster

import "sort"

// EthIf describes an Ethernet interface attachment handed to the launcher.
type EthIf struct {
	Network  string
	Tap      string
	HWAddr   string
	HostPort int // 0 if unused
}

// VfioIf describes a PCI passthrough attachment handed to the launcher.
type VfioIf struct {
	Network string
	PCIAddr string
}

// VM is one virtual machine in the job, as supplied by the batch adapter.
type VM struct {
	Rank     int
	HostRank int
	Networks map[string]struct{}

	EthIfs  []EthIf
	VfioIfs []VfioIf
}

// IsOnNode reports whether this VM runs on the host with the given rank.
func (vm *VM) IsOnNode(localHostRank int) bool {
	return vm.HostRank == localHostRank
}

// OnNetwork reports whether this VM is attached to the named network.
func (vm *VM) OnNetwork(name string) bool {
	_, ok := vm.Networks[name]
	return ok
}

// AddEthIf records an Ethernet attachment for the launcher to wire up.
func (vm *VM) AddEthIf(network, tap, hwaddr string, hostPort int) {
	vm.EthIfs = append(vm.EthIfs, EthIf{Network: network, Tap: tap, HWAddr: hwaddr, HostPort: hostPort})
}

// AddVfioIf records a PCI passthrough attachment for the launcher.
func (vm *VM) AddVfioIf(network, pciAddr string) {
	vm.VfioIfs = append(vm.VfioIfs, VfioIf{Network: network, PCIAddr: pciAddr})
}

// Cluster is the ordered set of VMs in one job, plus the underlay address
// of each host the batch adapter placed them on. HostIPs is the one piece
// of placement information the VM/host model itself does not carry but
// that tunnel-based network types need to reach a peer host.
type Cluster struct {
	VMs     []*VM
	HostIPs map[int]string
}

// HostIP returns the underlay address of hostRank, if known.
func (c *Cluster) HostIP(hostRank int) (string, bool) {
	ip, ok := c.HostIPs[hostRank]
	return ip, ok
}

// VMsOnNetwork returns every VM attached to the named network, in rank order.
func (c *Cluster) VMsOnNetwork(name string) []*VM {
	var out []*VM
	for _, vm := range c.VMs {
		if vm.OnNetwork(name) {
			out = append(out, vm)
		}
	}
	return out
}

// LocalVMsOnNetwork returns VMs attached to the network and running on
// localHostRank, in rank order.
func (c *Cluster) LocalVMsOnNetwork(name string, localHostRank int) []*VM {
	var out []*VM
	for _, vm := range c.VMsOnNetwork(name) {
		if vm.IsOnNode(localHostRank) {
			out = append(out, vm)
		}
	}
	return out
}

// HostRanksOnNetwork returns the distinct, sorted host ranks carrying at
// least one VM of the named network.
func (c *Cluster) HostRanksOnNetwork(name string) []int {
	seen := make(map[int]struct{})
	for _, vm := range c.VMsOnNetwork(name) {
		seen[vm.HostRank] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

// MasterHostRank returns the lowest host rank carrying any VM of the named
// network. ok is false if no VM uses the network.
func (c *Cluster) MasterHostRank(name string) (rank int, ok bool) {
	ranks := c.HostRanksOnNetwork(name)
	if len(ranks) == 0 {
		return 0, false
	}
	return ranks[0], true
}
