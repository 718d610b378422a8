// Package etcdstore implements kv.Store over an etcd cluster, used in
// production where the batch adapter's directory is itself etcd-backed.
package etcdstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/netkit"
)

// Store wraps an etcd v3 client. Directories map to key prefixes
// (dir + "/" + key) rather than separate keyspaces, since etcd has no
// native notion of a bucket.
type Store struct {
	cli *clientv3.Client
}

// Dial connects to the given etcd endpoints.
func Dial(endpoints []string, dialTimeout time.Duration) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}
	return &Store{cli: cli}, nil
}

var _ kv.Store = (*Store)(nil)

func (s *Store) Close() error {
	return s.cli.Close()
}

func fullKey(dir, key string) string {
	return dir + "/" + key
}

func (s *Store) Get(ctx context.Context, dir, key string) ([]byte, bool, error) {
	resp, err := s.cli.Get(ctx, fullKey(dir, key))
	if err != nil {
		return nil, false, fmt.Errorf("etcd get %s/%s: %w", dir, key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (s *Store) Put(ctx context.Context, dir, key string, value []byte) error {
	_, err := s.cli.Put(ctx, fullKey(dir, key), string(value))
	if err != nil {
		return fmt.Errorf("etcd put %s/%s: %w", dir, key, err)
	}
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, dir, key string, old, new []byte) (bool, error) {
	k := fullKey(dir, key)
	var cmp clientv3.Cmp
	if old == nil {
		cmp = clientv3.Compare(clientv3.CreateRevision(k), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.Value(k), "=", string(old))
	}

	resp, err := s.cli.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(k, string(new))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd cas %s/%s: %w", dir, key, err)
	}
	return resp.Succeeded, nil
}

func (s *Store) Delete(ctx context.Context, dir, key string) error {
	_, err := s.cli.Delete(ctx, fullKey(dir, key))
	if err != nil {
		return fmt.Errorf("etcd delete %s/%s: %w", dir, key, err)
	}
	return nil
}

func (s *Store) DeleteDir(ctx context.Context, dir, prefix string) error {
	_, err := s.cli.Delete(ctx, fullKey(dir, prefix), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("etcd delete dir %s/%s*: %w", dir, prefix, err)
	}
	return nil
}

func (s *Store) ListDir(ctx context.Context, dir, prefix string) (map[string][]byte, error) {
	resp, err := s.cli.Get(ctx, fullKey(dir, prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list %s/%s*: %w", dir, prefix, err)
	}
	out := make(map[string][]byte, len(resp.Kvs))
	base := dir + "/"
	for _, kvPair := range resp.Kvs {
		name := strings.TrimPrefix(string(kvPair.Key), base)
		out[name] = kvPair.Value
	}
	return out, nil
}

func (s *Store) WaitIndex(ctx context.Context, dir, key string, lastIndex uint64, timeout time.Duration) ([]byte, uint64, error) {
	k := fullKey(dir, key)

	resp, err := s.cli.Get(ctx, k)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd get %s/%s: %w", dir, key, err)
	}
	if len(resp.Kvs) > 0 && (lastIndex == 0 || uint64(resp.Kvs[0].ModRevision) > lastIndex) {
		return resp.Kvs[0].Value, uint64(resp.Kvs[0].ModRevision), nil
	}

	startRev := int64(lastIndex) + 1
	if lastIndex == 0 {
		startRev = resp.Header.Revision + 1
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	watchCh := s.cli.Watch(wctx, k, clientv3.WithRev(startRev))
	for wresp := range watchCh {
		if wresp.Err() != nil {
			return nil, 0, fmt.Errorf("etcd watch %s/%s: %w", dir, key, wresp.Err())
		}
		for _, ev := range wresp.Events {
			if ev.Type == clientv3.EventTypeDelete {
				return nil, uint64(ev.Kv.ModRevision), nil
			}
			return ev.Kv.Value, uint64(ev.Kv.ModRevision), nil
		}
	}
	return nil, 0, netkit.ErrTimeout
}

func (s *Store) WaitChildCount(ctx context.Context, dir, prefix string, count int, timeout time.Duration) (map[string][]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		matches, err := s.ListDir(ctx, dir, prefix)
		if err != nil {
			return nil, err
		}
		if len(matches) >= count {
			return matches, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, netkit.ErrTimeout
		}

		wctx, cancel := context.WithTimeout(ctx, remaining)
		watchCh := s.cli.Watch(wctx, fullKey(dir, prefix), clientv3.WithPrefix())
		select {
		case <-watchCh:
		case <-wctx.Done():
		}
		cancel()
	}
}
