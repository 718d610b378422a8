package netconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/netprov/pkg/kv/memstore"
	"github.com/clusterkit/netprov/pkg/netkit"
	"github.com/clusterkit/netprov/pkg/network"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(
		network.NewNAT,
		network.NewPV,
		network.NewIB,
		network.NewBridged,
		network.NewHostIB,
		network.NewGenericPCI,
	)
	require.NoError(t, err)
	return r
}

func writeCatalog(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

const validCatalog = `
natnet:
  type: bridged
  settings:
    host-bridge: br0
    tap-prefix: tap-nat-
gpu:
  type: genericpci
  settings:
    host-device-addrs: ["0000:3b:00.0"]
    host-driver: nvidia
`

func TestLoaderLoadsAllEntries(t *testing.T) {
	path := writeCatalog(t, validCatalog)
	loader := NewLoader(testRegistry(t), memstore.New())

	nets, err := loader.Load(path)
	require.NoError(t, err)
	require.Len(t, nets, 2)
	require.Equal(t, "bridged", nets["natnet"].Type())
	require.Equal(t, "genericpci", nets["gpu"].Type())
}

func TestLoaderRejectsMissingRequiredSetting(t *testing.T) {
	path := writeCatalog(t, `
bad:
  type: bridged
  settings:
    tap-prefix: tap-
`)
	loader := NewLoader(testRegistry(t), memstore.New())

	_, err := loader.Load(path)
	require.ErrorIs(t, err, netkit.ErrConfig)
}

func TestLoaderRejectsUnknownType(t *testing.T) {
	path := writeCatalog(t, `
bad:
  type: quantum-tunnel
  settings: {}
`)
	loader := NewLoader(testRegistry(t), memstore.New())

	_, err := loader.Load(path)
	require.Error(t, err)
}

func TestLoaderRejectsBadName(t *testing.T) {
	path := writeCatalog(t, `
"1bad":
  type: bridged
  settings:
    host-bridge: br0
    tap-prefix: tap-
`)
	loader := NewLoader(testRegistry(t), memstore.New())

	_, err := loader.Load(path)
	require.ErrorIs(t, err, netkit.ErrConfig)
}

func TestRegistryTagsCoversAllSixTypes(t *testing.T) {
	r := testRegistry(t)
	require.ElementsMatch(t, []string{"nat", "pv", "ib", "bridged", "hostib", "genericpci"}, r.Tags())
}
