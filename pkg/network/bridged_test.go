package network

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/netprov/pkg/kv/memstore"
)

func TestNewBridgedAppliesDefaultMTU(t *testing.T) {
	n, err := NewBridged("br0", map[string]any{
		"host-bridge": "ovsbr0",
		"tap-prefix":  "tap-br-",
	}, memstore.New())
	require.NoError(t, err)
	b := n.(*Bridged)
	require.Equal(t, DefaultMTU, b.settings.MTU)
	require.Equal(t, "br0", b.Name())
	require.Equal(t, "bridged", b.Type())
}

func TestNewBridgedKeepsExplicitMTU(t *testing.T) {
	n, err := NewBridged("br0", map[string]any{
		"host-bridge": "ovsbr0",
		"tap-prefix":  "tap-br-",
		"mtu":         9000,
	}, memstore.New())
	require.NoError(t, err)
	require.Equal(t, 9000, n.(*Bridged).settings.MTU)
}

func TestBridgedGetLicenseAlwaysNil(t *testing.T) {
	n, err := NewBridged("br0", map[string]any{
		"host-bridge": "ovsbr0",
		"tap-prefix":  "tap-br-",
	}, memstore.New())
	require.NoError(t, err)
	require.Nil(t, n.GetLicense(nil))
}
