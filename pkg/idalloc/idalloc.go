// Package idalloc provides a cluster-wide, contention-free small-integer
// allocator built on a kv.Store's compare-and-swap primitive.
package idalloc

import (
	"context"
	"fmt"
	"time"

	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/log"
	"github.com/clusterkit/netprov/pkg/metrics"
	"github.com/clusterkit/netprov/pkg/netkit"
)

// Allocator hands out distinct integers in [0, size) backed by a bitmap
// stored under bitmapKey in the given directory. Masters allocate by
// scanning the bitmap for the lowest clear bit and publishing the result to
// a per-label key; non-masters never touch the bitmap and instead block on
// that label key.
type Allocator struct {
	store     kv.Store
	dir       string
	bitmapKey string
	size      int
}

// New creates an allocator over a size-bit bitmap. dir/bitmapKey is created
// lazily on first allocation.
func New(store kv.Store, dir, bitmapKey string, size int) *Allocator {
	return &Allocator{store: store, dir: dir, bitmapKey: bitmapKey, size: size}
}

// AllocOne allocates the lowest free index and publishes it under label so
// non-masters can retrieve it. Non-masters block-read label instead of
// touching the bitmap, matching the master/non-master split every network
// type's alloc phase performs. ctx's deadline bounds both the CAS retry
// loop and the non-master's blocking read.
func (a *Allocator) AllocOne(ctx context.Context, isMaster bool, label string) (int, error) {
	logger := log.WithComponent("idalloc")

	if !isMaster {
		value, _, err := a.store.WaitIndex(ctx, a.dir, label, 0, remaining(ctx))
		if err != nil {
			metrics.AllocTotal.WithLabelValues(label, "timeout").Inc()
			return 0, fmt.Errorf("wait for master allocation of %s/%s: %w", a.dir, label, err)
		}
		idx, err := decodeIndex(value)
		if err != nil {
			return 0, err
		}
		metrics.AllocTotal.WithLabelValues(label, "follow").Inc()
		return idx, nil
	}

	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("alloc %s/%s: %w", a.dir, label, ctx.Err())
		default:
		}

		old, _, err := a.store.Get(ctx, a.dir, a.bitmapKey)
		if err != nil {
			return 0, fmt.Errorf("read bitmap %s/%s: %w", a.dir, a.bitmapKey, err)
		}

		bm := bitmap(old)
		idx, ok := bm.firstClear(a.size)
		if !ok {
			metrics.AllocExhaustedTotal.WithLabelValues(label).Inc()
			return 0, fmt.Errorf("allocate from %s/%s: %w", a.dir, a.bitmapKey, netkit.ErrResourceExhausted)
		}

		newBm := bm.clone(a.size)
		newBm.set(idx)

		swapped, err := a.store.CompareAndSwap(ctx, a.dir, a.bitmapKey, old, newBm)
		if err != nil {
			return 0, fmt.Errorf("cas bitmap %s/%s: %w", a.dir, a.bitmapKey, err)
		}
		if !swapped {
			metrics.KVCASRetriesTotal.WithLabelValues("bitmap").Inc()
			logger.Debug().Str("label", label).Msg("bitmap cas lost race, retrying")
			continue
		}

		if err := a.store.Put(ctx, a.dir, label, encodeIndex(idx)); err != nil {
			return 0, fmt.Errorf("publish allocation %s/%s: %w", a.dir, label, err)
		}

		metrics.AllocTotal.WithLabelValues(label, "master").Inc()
		return idx, nil
	}
}

// CollAllocOne is AllocOne with the master/non-master decision expressed as
// a host-rank comparison, as the private-overlay (tunnel id) and ib (pkey)
// types' allocation call sites use it.
func (a *Allocator) CollAllocOne(ctx context.Context, masterHostRank, myHostRank int, label string) (int, error) {
	return a.AllocOne(ctx, myHostRank == masterHostRank, label)
}

// FreeOne clears index's bit, retrying the CAS loop on contention. Freeing
// an already-clear index is a no-op.
func (a *Allocator) FreeOne(ctx context.Context, index int) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("free %s/%s index %d: %w", a.dir, a.bitmapKey, index, ctx.Err())
		default:
		}

		old, _, err := a.store.Get(ctx, a.dir, a.bitmapKey)
		if err != nil {
			return fmt.Errorf("read bitmap %s/%s: %w", a.dir, a.bitmapKey, err)
		}

		bm := bitmap(old)
		if !bm.isSet(index) {
			return nil
		}

		newBm := bm.clone(a.size)
		newBm.clear(index)

		swapped, err := a.store.CompareAndSwap(ctx, a.dir, a.bitmapKey, old, newBm)
		if err != nil {
			return fmt.Errorf("cas bitmap %s/%s: %w", a.dir, a.bitmapKey, err)
		}
		if !swapped {
			metrics.KVCASRetriesTotal.WithLabelValues("bitmap").Inc()
			continue
		}
		return nil
	}
}

func remaining(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

func encodeIndex(idx int) []byte {
	return []byte(fmt.Sprintf("%d", idx))
}

func decodeIndex(value []byte) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(string(value), "%d", &idx); err != nil {
		return 0, fmt.Errorf("decode allocation index %q: %w", value, err)
	}
	return idx, nil
}
