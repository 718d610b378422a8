package network

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/netprov/pkg/osadapter"
)

// fakeHostIBVFTree builds a fabricated InfiniBand + PCI sysfs tree with two
// VFs bound to the passthrough driver, and points ibClassRoot/PCIBusRoot at
// it for the duration of the test. It returns the two VF PCI addresses.
func fakeHostIBVFTree(t *testing.T, device string) (vf0, vf1 string) {
	t.Helper()
	vf0, vf1 = "0000:3b:00.1", "0000:3b:00.2"

	ibRoot := t.TempDir()
	physDir := filepath.Join(ibRoot, device, "device")
	require.NoError(t, os.MkdirAll(physDir, 0755))
	require.NoError(t, os.Symlink(filepath.Join("/fake", vf0), filepath.Join(physDir, "virtfn0")))
	require.NoError(t, os.Symlink(filepath.Join("/fake", vf1), filepath.Join(physDir, "virtfn1")))

	pciRoot := t.TempDir()
	driverLink := filepath.Join(pciRoot, "drivers", "vfio-pci")
	require.NoError(t, os.MkdirAll(driverLink, 0755))
	for _, addr := range []string{vf0, vf1} {
		devDir := filepath.Join(pciRoot, "devices", addr)
		require.NoError(t, os.MkdirAll(devDir, 0755))
		require.NoError(t, os.Symlink(driverLink, filepath.Join(devDir, "driver")))
	}

	origIBRoot, origPCIRoot := ibClassRoot, osadapter.PCIBusRoot
	t.Cleanup(func() {
		ibClassRoot = origIBRoot
		osadapter.PCIBusRoot = origPCIRoot
	})
	ibClassRoot = ibRoot
	osadapter.PCIBusRoot = pciRoot

	return vf0, vf1
}
