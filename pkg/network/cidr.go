package network

import (
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
)

// NATAddressing parses a NAT network's CIDR once at construction time and
// derives every subsequent host address from that single *net.IPNet, so the
// bit width used to build firewall/NAT rules can never drift between the
// alloc and cleanup phases.
type NATAddressing struct {
	IPNet *net.IPNet
	CIDR  string
}

// ParseNATNetwork parses a CIDR string and records its canonical form.
func ParseNATNetwork(cidrStr string) (*NATAddressing, error) {
	_, ipnet, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return nil, fmt.Errorf("parse CIDR %q: %w", cidrStr, err)
	}
	return &NATAddressing{IPNet: ipnet, CIDR: ipnet.String()}, nil
}

// Host returns the n-th address in the network (0 is the network address).
func (a *NATAddressing) Host(n int) (string, error) {
	ip, err := cidr.Host(a.IPNet, n)
	if err != nil {
		return "", fmt.Errorf("compute host %d of %s: %w", n, a.CIDR, err)
	}
	return ip.String(), nil
}

// Bits returns the network's prefix length.
func (a *NATAddressing) Bits() int {
	ones, _ := a.IPNet.Mask.Size()
	return ones
}
