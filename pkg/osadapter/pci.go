package osadapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const vfioDriver = "vfio-pci"

// PCIBusRoot is the root of the PCI sysfs tree, overridable in tests so the
// driver-bind/unbind paths below can be exercised against a fabricated tree
// instead of the real host's /sys.
var PCIBusRoot = "/sys/bus/pci"

func pciDriversFS() string { return filepath.Join(PCIBusRoot, "drivers") }

// WriteSysfs performs every sysfs attribute write this file issues,
// overridable in tests so a specific write (e.g. one device's unbind) can be
// made to fail without the rest, the way a transiently busy device would.
var WriteSysfs = os.WriteFile

// ReadVendorDevice reads a device's vendor:device id pair from sysfs, in
// the form expected by a driver's new_id file ("1af4 1000").
func ReadVendorDevice(addr string) (string, error) {
	vendor, err := readSysfsHex(filepath.Join(PCIBusRoot, "devices", addr, "vendor"))
	if err != nil {
		return "", err
	}
	device, err := readSysfsHex(filepath.Join(PCIBusRoot, "devices", addr, "device"))
	if err != nil {
		return "", err
	}
	return vendor + " " + device, nil
}

func readSysfsHex(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"), nil
}

// RegisterDriverID writes vendorDevice ("1af4 1000") to driver's new_id
// file so the kernel will bind matching devices to it going forward.
// Writing an already-registered id is not an error.
func RegisterDriverID(driver, vendorDevice string) error {
	path := filepath.Join(pciDriversFS(), driver, "new_id")
	err := WriteSysfs(path, []byte(vendorDevice), 0200)
	if err != nil && !strings.Contains(err.Error(), "device or resource busy") {
		return fmt.Errorf("register %s with driver %s: %w", vendorDevice, driver, err)
	}
	return nil
}

// CurrentDriver returns the driver bound to addr, or "" if unbound.
func CurrentDriver(addr string) (string, error) {
	link := filepath.Join(PCIBusRoot, "devices", addr, "driver")
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read driver link for %s: %w", addr, err)
	}
	return filepath.Base(target), nil
}

// UnbindDriver unbinds addr from its current driver, if any.
func UnbindDriver(addr string) error {
	driver, err := CurrentDriver(addr)
	if err != nil {
		return err
	}
	if driver == "" {
		return nil
	}
	path := filepath.Join(pciDriversFS(), driver, "unbind")
	if err := WriteSysfs(path, []byte(addr), 0200); err != nil {
		return fmt.Errorf("unbind %s from %s: %w", addr, driver, err)
	}
	return nil
}

// BindDriver binds addr to driver, unbinding from any current driver first.
func BindDriver(addr, driver string) error {
	cur, err := CurrentDriver(addr)
	if err != nil {
		return err
	}
	if cur == driver {
		return nil
	}
	if err := UnbindDriver(addr); err != nil {
		return err
	}
	path := filepath.Join(pciDriversFS(), driver, "bind")
	if err := WriteSysfs(path, []byte(addr), 0200); err != nil {
		return fmt.Errorf("bind %s to %s: %w", addr, driver, err)
	}
	return nil
}

// BindVFIO binds addr to the vfio-pci passthrough driver.
func BindVFIO(addr string) error {
	return BindDriver(addr, vfioDriver)
}

// IOMMUGroup returns the IOMMU group number addr belongs to.
func IOMMUGroup(addr string) (string, error) {
	link := filepath.Join(PCIBusRoot, "devices", addr, "iommu_group")
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("read iommu group for %s: %w", addr, err)
	}
	return filepath.Base(target), nil
}

// ChownIOMMUGroup changes the ownership of /dev/vfio/<group> to owner,
// so the batch user can open the passthrough device node.
func ChownIOMMUGroup(ctx context.Context, addr, owner string) error {
	group, err := IOMMUGroup(addr)
	if err != nil {
		return err
	}
	_, err = Run(ctx, "chown", owner, filepath.Join("/dev/vfio", group))
	return err
}

// AddressesWithDriver returns every address in addrs currently bound to
// driver, for cleanup_node to find leftover bindings.
func AddressesWithDriver(addrs []string, driver string) ([]string, error) {
	var out []string
	for _, addr := range addrs {
		cur, err := CurrentDriver(addr)
		if err != nil {
			return nil, err
		}
		if cur == driver {
			out = append(out, addr)
		}
	}
	return out, nil
}

// VFAddresses lists the PCI addresses of every virtual function under a
// physical device's sysfs entry (/sys/class/infiniband/<dev>/device/virtfn*
// or /sys/bus/pci/devices/<addr>/virtfn*).
func VFAddresses(physDeviceSysfsDir string) ([]string, error) {
	entries, err := os.ReadDir(physDeviceSysfsDir)
	if err != nil {
		return nil, fmt.Errorf("list vfs under %s: %w", physDeviceSysfsDir, err)
	}
	var addrs []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "virtfn") {
			continue
		}
		target, err := os.Readlink(filepath.Join(physDeviceSysfsDir, e.Name()))
		if err != nil {
			continue
		}
		addrs = append(addrs, filepath.Base(target))
	}
	return addrs, nil
}
