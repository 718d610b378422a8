// Package network defines the lifecycle interface every network type
// implements and the allocation record shape persisted between phases.
package network

import (
	"context"

	"github.com/clusterkit/netprov/pkg/cluster"
)

// Network is the capability set every network type implements: init, alloc,
// load, free, cleanup and license reporting.
type Network interface {
	Name() string
	Type() string

	// InitNode creates host-wide resources (bridges, firewall chains,
	// driver bindings) once per host per job, before any VM allocation.
	InitNode(ctx context.Context, hostRank int) error

	// AllocNodeResources creates per-VM resources for every local VM on
	// this network and persists the allocation record.
	AllocNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error

	// LoadNodeResources reads the allocation record and attaches
	// interfaces to each local VM's launch descriptor.
	LoadNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error

	// FreeNodeResources reads the allocation record and releases per-VM
	// and, on the master host, cluster-wide resources.
	FreeNodeResources(ctx context.Context, c *cluster.Cluster, hostRank int) error

	// CleanupNode garbage-collects leftover resources matched by name
	// prefix, for recovery after a crash. Must not fail on a clean host.
	CleanupNode(ctx context.Context, hostRank int) error

	// GetLicense returns the batch license names required when any VM
	// uses this network, or nil if none.
	GetLicense(c *cluster.Cluster) []string
}

// AllocationRecord is the per-(network,host) value stored in the key-value
// store at cluster/<network>/<host_rank>.
type AllocationRecord struct {
	VMs    map[int]map[string]string `yaml:"vms,omitempty"`
	Global map[string]string         `yaml:"global,omitempty"`
}

// NewAllocationRecord returns an empty record ready to accumulate per-VM
// fields.
func NewAllocationRecord() *AllocationRecord {
	return &AllocationRecord{VMs: make(map[int]map[string]string)}
}

// SetVMField records one field of one VM's resource dictionary.
func (r *AllocationRecord) SetVMField(rank int, key, value string) {
	if r.VMs == nil {
		r.VMs = make(map[int]map[string]string)
	}
	if r.VMs[rank] == nil {
		r.VMs[rank] = make(map[string]string)
	}
	r.VMs[rank][key] = value
}

// SetGlobalField records one host-scoped field.
func (r *AllocationRecord) SetGlobalField(key, value string) {
	if r.Global == nil {
		r.Global = make(map[string]string)
	}
	r.Global[key] = value
}
