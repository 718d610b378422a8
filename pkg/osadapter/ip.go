package osadapter

import (
	"context"
	"strings"
)

// AddStaticARP installs a permanent ARP entry mapping ip to mac on dev.
// Idempotent: replaces any existing entry for ip.
func AddStaticARP(ctx context.Context, dev, ip, mac string) error {
	_, err := Run(ctx, "ip", "neigh", "replace", ip, "lladdr", mac, "dev", dev, "nud", "permanent")
	return err
}

// DeleteARP removes the ARP entry for ip on dev, if present.
func DeleteARP(ctx context.Context, dev, ip string) error {
	out, err := Run(ctx, "ip", "neigh", "del", ip, "dev", dev)
	if err != nil && strings.Contains(out, "Cannot find") {
		return nil
	}
	return err
}
