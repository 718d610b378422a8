package network

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/netprov/pkg/kv/memstore"
)

// writeFakeTool drops an executable shell script named name into dir,
// standing in for a host CLI tool (ovs-vsctl, ip, iptables) that CleanupNode
// shells out to, so its failure modes can be exercised without real host
// networking state.
func writeFakeTool(t *testing.T, dir, name, script string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755))
}

// TestNATCleanupNodeContinuesPastResourceFailures covers spec scenario
// "cleanup after crash": a busy firewall rule, a busy bridge, and a busy tap
// must each be logged and skipped rather than aborting the whole sweep.
func TestNATCleanupNodeContinuesPastResourceFailures(t *testing.T) {
	bin := t.TempDir()
	logDir := t.TempDir()
	ipLog := filepath.Join(logDir, "ip.log")
	iptablesLog := filepath.Join(logDir, "iptables.log")

	writeFakeTool(t, bin, "ip", `
if [ "$1" = "-o" ]; then
  echo "2: tap-nat-0: <BROADCAST> mtu 1500"
  echo "3: tap-nat-1: <BROADCAST> mtu 1500"
  exit 0
fi
if [ "$1" = "link" ] && [ "$2" = "show" ]; then
  exit 0
fi
if [ "$1" = "tuntap" ] && [ "$2" = "del" ]; then
  name="$4"
  echo "$name" >> "`+ipLog+`"
  if [ "$name" = "tap-nat-0" ]; then
    echo "device busy" >&2
    exit 1
  fi
  exit 0
fi
exit 0
`)
	writeFakeTool(t, bin, "ovs-vsctl", `
if [ "$1" = "del-br" ]; then
  if [ "$2" = "natbr0" ]; then
    echo "bridge busy" >&2
    exit 1
  fi
  exit 0
fi
exit 0
`)
	writeFakeTool(t, bin, "iptables", `
case "$1" in
  -C) exit 0 ;;
  -D)
    echo "$*" >> "`+iptablesLog+`"
    n=$(wc -l < "`+iptablesLog+`" | tr -d ' ')
    if [ "$n" = "2" ]; then
      echo "rule busy" >&2
      exit 1
    fi
    exit 0
    ;;
  *) exit 0 ;;
esac
`)

	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	n, err := NewNAT("net0", natSettingsMap(), memstore.New())
	require.NoError(t, err)

	err = n.CleanupNode(context.Background(), 0)
	require.Error(t, err, "cleanup_node must report that the pass had failures")

	ipLogged, readErr := os.ReadFile(ipLog)
	require.NoError(t, readErr)
	require.Contains(t, string(ipLogged), "tap-nat-0")
	require.Contains(t, string(ipLogged), "tap-nat-1", "the tap after the failing one must still be reclaimed")

	iptablesLogged, readErr := os.ReadFile(iptablesLog)
	require.NoError(t, readErr)
	require.True(t, len(iptablesLogged) > 0)
	// With 6 firewall rules and only the 2nd -D failing, every rule must
	// still have been attempted: the log has one line per rule.
	lines := 0
	for _, b := range iptablesLogged {
		if b == '\n' {
			lines++
		}
	}
	require.Equal(t, 6, lines, "every firewall rule must be attempted even though one delete fails")
}

// TestPVCleanupNodeContinuesPastResourceFailures covers the same scenario
// for the pv network type: a busy bridge must not stop leftover taps from
// being reclaimed.
func TestPVCleanupNodeContinuesPastResourceFailures(t *testing.T) {
	bin := t.TempDir()
	logDir := t.TempDir()
	tapLog := filepath.Join(logDir, "tap.log")

	writeFakeTool(t, bin, "ovs-vsctl", `
if [ "$1" = "list-br" ]; then
  echo "pvbr-0"
  echo "pvbr-1"
  exit 0
fi
if [ "$1" = "del-br" ]; then
  if [ "$2" = "pvbr-0" ]; then
    echo "bridge busy" >&2
    exit 1
  fi
  exit 0
fi
exit 0
`)
	writeFakeTool(t, bin, "ip", `
if [ "$1" = "-o" ]; then
  echo "2: tap-pv-0: <BROADCAST> mtu 1500"
  echo "3: tap-pv-1: <BROADCAST> mtu 1500"
  exit 0
fi
if [ "$1" = "link" ] && [ "$2" = "show" ]; then
  exit 0
fi
if [ "$1" = "tuntap" ] && [ "$2" = "del" ]; then
  name="$4"
  echo "$name" >> "`+tapLog+`"
  if [ "$name" = "tap-pv-0" ]; then
    echo "device busy" >&2
    exit 1
  fi
  exit 0
fi
exit 0
`)

	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	raw := map[string]any{
		"bridge-prefix": "pvbr-",
		"tap-prefix":    "tap-pv-",
	}
	n, err := NewPV("pv0", raw, memstore.New())
	require.NoError(t, err)

	err = n.CleanupNode(context.Background(), 0)
	require.Error(t, err)

	logged, readErr := os.ReadFile(tapLog)
	require.NoError(t, readErr)
	require.Contains(t, string(logged), "tap-pv-0")
	require.Contains(t, string(logged), "tap-pv-1", "taps after the failing bridge delete must still be reclaimed")
}

// TestBridgedCleanupNodeContinuesPastResourceFailures covers the exact
// inconsistency the maintainer flagged: a failed port detach on one tap must
// not stop the tap delete on the next one.
func TestBridgedCleanupNodeContinuesPastResourceFailures(t *testing.T) {
	bin := t.TempDir()
	logDir := t.TempDir()
	tapLog := filepath.Join(logDir, "tap.log")

	writeFakeTool(t, bin, "ovs-vsctl", `
if [ "$1" = "--if-exists" ] && [ "$2" = "del-port" ]; then
  if [ "$4" = "tap-br-0" ]; then
    echo "port busy" >&2
    exit 1
  fi
  exit 0
fi
exit 0
`)
	writeFakeTool(t, bin, "ip", `
if [ "$1" = "-o" ]; then
  echo "2: tap-br-0: <BROADCAST> mtu 1500"
  echo "3: tap-br-1: <BROADCAST> mtu 1500"
  exit 0
fi
if [ "$1" = "link" ] && [ "$2" = "show" ]; then
  exit 0
fi
if [ "$1" = "tuntap" ] && [ "$2" = "del" ]; then
  name="$4"
  echo "$name" >> "`+tapLog+`"
  exit 0
fi
exit 0
`)

	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	raw := map[string]any{
		"host-bridge": "hostbr0",
		"tap-prefix":  "tap-br-",
	}
	n, err := NewBridged("br0", raw, memstore.New())
	require.NoError(t, err)

	err = n.CleanupNode(context.Background(), 0)
	require.Error(t, err)

	logged, readErr := os.ReadFile(tapLog)
	require.NoError(t, readErr)
	require.Contains(t, string(logged), "tap-br-0", "the tap itself must still be deleted even though detaching its port failed")
	require.Contains(t, string(logged), "tap-br-1")
}
