package osadapter

import (
	"context"
	"fmt"
	"strings"
)

// TapExists reports whether a network device named name currently exists.
func TapExists(ctx context.Context, name string) (bool, error) {
	out, err := Run(ctx, "ip", "link", "show", name)
	if err != nil {
		if strings.Contains(out, "does not exist") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateTap creates a persistent TAP device owned by owner, preferring
// `ip tuntap` and falling back to the legacy `tunctl` tool when it is
// unavailable.
func CreateTap(ctx context.Context, name, owner string) error {
	exists, err := TapExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if _, err := Run(ctx, "ip", "tuntap", "add", "dev", name, "mode", "tap", "user", owner); err == nil {
		return nil
	}

	_, err = Run(ctx, "tunctl", "-t", name, "-u", owner)
	return err
}

// DeleteTap removes a TAP device. Deleting an absent device is not an error.
func DeleteTap(ctx context.Context, name string) error {
	exists, err := TapExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = Run(ctx, "ip", "tuntap", "del", "dev", name, "mode", "tap")
	return err
}

// SetLinkUp brings an interface up.
func SetLinkUp(ctx context.Context, name string) error {
	_, err := Run(ctx, "ip", "link", "set", name, "up")
	return err
}

// SetLinkMTU sets an interface's MTU.
func SetLinkMTU(ctx context.Context, name string, mtu int) error {
	_, err := Run(ctx, "ip", "link", "set", name, "mtu", fmt.Sprintf("%d", mtu))
	return err
}

// ListLinksWithPrefix returns the names of every network device whose name
// starts with prefix, used by cleanup_node to find leftover TAPs.
func ListLinksWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	out, err := Run(ctx, "ip", "-o", "link", "show")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, ":", 3)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSpace(fields[1])
		name = strings.SplitN(name, "@", 2)[0]
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// NextFreeIndex finds the lowest non-negative integer i such that
// prefix+i is not a device currently present on the host.
func NextFreeIndex(ctx context.Context, prefix string) (int, error) {
	existing, err := ListLinksWithPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	used := make(map[string]bool, len(existing))
	for _, name := range existing {
		used[name] = true
	}
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s%d", prefix, i)
		if !used[name] {
			return i, nil
		}
	}
}
