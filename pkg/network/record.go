package network

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/netkit"
)

const recordsDir = "cluster"

func recordKey(networkName string, hostRank int) string {
	return fmt.Sprintf("%s/%d", networkName, hostRank)
}

// PutRecord persists an allocation record for (networkName, hostRank).
func PutRecord(ctx context.Context, store kv.Store, networkName string, hostRank int, rec *AllocationRecord) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal allocation record for %s/%d: %w", networkName, hostRank, err)
	}
	return store.Put(ctx, recordsDir, recordKey(networkName, hostRank), data)
}

// GetRecord loads the allocation record for (networkName, hostRank). It
// returns netkit.ErrStateMissing if no record is present.
func GetRecord(ctx context.Context, store kv.Store, networkName string, hostRank int) (*AllocationRecord, error) {
	data, found, err := store.Get(ctx, recordsDir, recordKey(networkName, hostRank))
	if err != nil {
		return nil, fmt.Errorf("get allocation record for %s/%d: %w", networkName, hostRank, err)
	}
	if !found {
		return nil, fmt.Errorf("allocation record for %s/%d: %w", networkName, hostRank, netkit.ErrStateMissing)
	}
	var rec AllocationRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal allocation record for %s/%d: %w", networkName, hostRank, err)
	}
	if rec.VMs == nil {
		rec.VMs = make(map[int]map[string]string)
	}
	return &rec, nil
}

// DeleteRecord removes the allocation record for (networkName, hostRank).
func DeleteRecord(ctx context.Context, store kv.Store, networkName string, hostRank int) error {
	return store.Delete(ctx, recordsDir, recordKey(networkName, hostRank))
}
