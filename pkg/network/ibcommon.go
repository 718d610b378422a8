package network

import (
	"fmt"
	"os"
	"path/filepath"
)

// ibClassRoot is the root of the InfiniBand class sysfs tree, overridable
// in tests so device resolution can be exercised against a fabricated tree
// instead of the real host's /sys.
var ibClassRoot = "/sys/class/infiniband"

// hostIBPhysSysfsDir returns the sysfs directory of an InfiniBand device's
// physical function, the base path every VF/GUID/pkey sysfs write under
// it is relative to.
func hostIBPhysSysfsDir(device string) string {
	return filepath.Join(ibClassRoot, device, "device")
}

// hostIBPhysAddr resolves a device's PCI address from the infiniband class
// symlink, the same indirection IOMMUGroup and VFAddresses rely on.
func hostIBPhysAddr(device string) (string, error) {
	link := filepath.Join(ibClassRoot, device, "device")
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("resolve pci address for %q: %w", device, err)
	}
	return filepath.Base(target), nil
}
