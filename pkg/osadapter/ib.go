package osadapter

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const sysClassInfiniband = "/sys/class/infiniband"

// Family identifies which GUID/pkey programming model a device uses.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyMLX4
	FamilyMLX5
)

// DetectFamily dispatches on the device name prefix, as the devices
// themselves expose no portable family-identifying sysfs attribute.
func DetectFamily(deviceName string) Family {
	switch {
	case strings.HasPrefix(deviceName, "mlx4"):
		return FamilyMLX4
	case strings.HasPrefix(deviceName, "mlx5"):
		return FamilyMLX5
	default:
		return FamilyUnknown
	}
}

// MLX4PkeyTableIndex returns the index in a VF's allowed-pkey table that
// currently holds 0x7fff (the wildcard default), the conventional slot for
// application pkeys on MLX4 VFs.
func MLX4PkeyTableIndex(physDevSysfsDir string, vfNum int) (int, error) {
	dir := filepath.Join(physDevSysfsDir, fmt.Sprintf("iov/%d/ports/1/pkey_idx", vfNum))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("list pkey_idx for vf %d: %w", vfNum, err)
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == "0x7fff" {
			idx, err := strconv.Atoi(e.Name())
			if err == nil {
				return idx, nil
			}
		}
	}
	return 0, fmt.Errorf("no free pkey table slot for vf %d under %s", vfNum, physDevSysfsDir)
}

// MLX4SetVFPkey writes pkey into the allowed-pkey table slot tableIdx of a
// VF's port 1, the operation the fabric manager must have propagated the
// partition to before it will be accepted.
func MLX4SetVFPkey(physDevSysfsDir string, vfNum, tableIdx int, pkey uint16) error {
	path := filepath.Join(physDevSysfsDir, fmt.Sprintf("iov/%d/ports/1/pkey_idx/%d", vfNum, tableIdx))
	return os.WriteFile(path, []byte(fmt.Sprintf("0x%04x", pkey)), 0200)
}

// MLX4ClearVFPkey resets a VF's pkey table slot to the wildcard default.
func MLX4ClearVFPkey(physDevSysfsDir string, vfNum, tableIdx int) error {
	path := filepath.Join(physDevSysfsDir, fmt.Sprintf("iov/%d/ports/1/pkey_idx/%d", vfNum, tableIdx))
	return os.WriteFile(path, []byte("0x7fff"), 0200)
}

// MLX5SetVFGUIDs programs a VF's port and node GUIDs directly and sets its
// link policy to Follow, the MLX5 SR-IOV GUID-based isolation model.
func MLX5SetVFGUIDs(physDevSysfsDir string, vfNum int, portGUID, nodeGUID uint64) error {
	base := filepath.Join(physDevSysfsDir, fmt.Sprintf("sriov/%d", vfNum))
	if err := os.WriteFile(filepath.Join(base, "policy"), []byte("Follow"), 0200); err != nil {
		return fmt.Errorf("set vf %d policy: %w", vfNum, err)
	}
	if err := os.WriteFile(filepath.Join(base, "node"), []byte(fmt.Sprintf("%016x", nodeGUID)), 0200); err != nil {
		return fmt.Errorf("set vf %d node guid: %w", vfNum, err)
	}
	if err := os.WriteFile(filepath.Join(base, "port"), []byte(fmt.Sprintf("%016x", portGUID)), 0200); err != nil {
		return fmt.Errorf("set vf %d port guid: %w", vfNum, err)
	}
	return nil
}

// MLX5ClearVFGUIDs resets a VF's link policy to Down, releasing its GUIDs.
func MLX5ClearVFGUIDs(physDevSysfsDir string, vfNum int) error {
	base := filepath.Join(physDevSysfsDir, fmt.Sprintf("sriov/%d", vfNum))
	return os.WriteFile(filepath.Join(base, "policy"), []byte("Down"), 0200)
}

// PhysPortGUID reads a device's physical port 1 GUID.
func PhysPortGUID(deviceName string) (uint64, error) {
	path := filepath.Join(sysClassInfiniband, deviceName, "ports/1/gids/0")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read port guid for %s: %w", deviceName, err)
	}
	// The GID's interface identifier (last 8 bytes) is the port GUID.
	gid := strings.TrimSpace(string(data))
	parts := strings.Split(gid, ":")
	if len(parts) < 8 {
		return 0, fmt.Errorf("unexpected gid format for %s: %q", deviceName, gid)
	}
	hexStr := strings.Join(parts[4:], "")
	guid, err := strconv.ParseUint(hexStr, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse port guid for %s: %w", deviceName, err)
	}
	return guid, nil
}
