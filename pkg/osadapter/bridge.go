package osadapter

import (
	"context"
	"fmt"
	"strings"
)

// BridgeExists reports whether an OVS bridge named name exists.
func BridgeExists(ctx context.Context, name string) (bool, error) {
	out, err := Run(ctx, "ovs-vsctl", "br-exists", name)
	if err != nil {
		if strings.Contains(out, "no bridge") || strings.Contains(out, "does not exist") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnsureBridge creates the bridge if absent and always (re)applies the
// given hardware address via other-config:hwaddr, so repeated calls
// converge the bridge's MAC even when the bridge already existed.
func EnsureBridge(ctx context.Context, name, hwaddr string) error {
	exists, err := BridgeExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := Run(ctx, "ovs-vsctl", "add-br", name); err != nil {
			return err
		}
	}
	if hwaddr == "" {
		return nil
	}
	_, err = Run(ctx, "ovs-vsctl", "set", "bridge", name,
		fmt.Sprintf("other-config:hwaddr=%s", hwaddr))
	return err
}

// DeleteBridge removes a bridge. Deleting an absent bridge is not an error.
func DeleteBridge(ctx context.Context, name string) error {
	exists, err := BridgeExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = Run(ctx, "ovs-vsctl", "del-br", name)
	return err
}

// ListBridgesWithPrefix returns every OVS bridge whose name has the given
// prefix, for cleanup_node.
func ListBridgesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	out, err := Run(ctx, "ovs-vsctl", "list-br")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name != "" && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// AddPort attaches a device (TAP, patch, tunnel) to a bridge as a port and
// returns the OpenFlow port number ovs-ofctl assigned it.
func AddPort(ctx context.Context, bridge, portName string) (int, error) {
	if _, err := Run(ctx, "ovs-vsctl", "--may-exist", "add-port", bridge, portName); err != nil {
		return 0, err
	}
	out, err := Run(ctx, "ovs-vsctl", "get", "Interface", portName, "ofport")
	if err != nil {
		return 0, err
	}
	var ofport int
	if _, err := fmt.Sscanf(strings.TrimSpace(out), "%d", &ofport); err != nil {
		return 0, fmt.Errorf("parse ofport for %s: %w", portName, err)
	}
	return ofport, nil
}

// DeletePort removes a port from a bridge.
func DeletePort(ctx context.Context, bridge, portName string) error {
	_, err := Run(ctx, "ovs-vsctl", "--if-exists", "del-port", bridge, portName)
	return err
}

// AddVXLANTunnel creates a vxlan tunnel port to remoteIP keyed with tunID,
// and returns its OpenFlow port number.
func AddVXLANTunnel(ctx context.Context, bridge, portName, remoteIP string, tunID int) (int, error) {
	_, err := Run(ctx, "ovs-vsctl", "--may-exist", "add-port", bridge, portName,
		"--", "set", "interface", portName,
		"type=vxlan",
		fmt.Sprintf("options:remote_ip=%s", remoteIP),
		fmt.Sprintf("options:key=%d", tunID),
	)
	if err != nil {
		return 0, err
	}
	out, err := Run(ctx, "ovs-vsctl", "get", "Interface", portName, "ofport")
	if err != nil {
		return 0, err
	}
	var ofport int
	if _, err := fmt.Sscanf(strings.TrimSpace(out), "%d", &ofport); err != nil {
		return 0, fmt.Errorf("parse ofport for %s: %w", portName, err)
	}
	return ofport, nil
}

// AddFlow installs a static flow entry. The caller supplies the full match
// and action clause (e.g. "priority=3000,dl_dst=aa:bb:cc:dd:ee:ff,actions=output:3").
func AddFlow(ctx context.Context, bridge, flow string) error {
	_, err := Run(ctx, "ovs-ofctl", "add-flow", bridge, flow)
	return err
}

// DelFlows removes every flow matching the given match clause (no actions).
func DelFlows(ctx context.Context, bridge, match string) error {
	_, err := Run(ctx, "ovs-ofctl", "del-flows", bridge, match)
	return err
}

// SetBridgeIP assigns an additional IP/prefix to a bridge's kernel
// interface, leaving any existing addresses intact.
func SetBridgeIP(ctx context.Context, bridge, cidr string) error {
	out, err := Run(ctx, "ip", "addr", "show", "dev", bridge)
	if err == nil && strings.Contains(out, cidr) {
		return nil
	}
	_, err = Run(ctx, "ip", "addr", "add", cidr, "dev", bridge)
	if err != nil && strings.Contains(err.Error(), "File exists") {
		return nil
	}
	return err
}
