package network

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterkit/netprov/pkg/kv/memstore"
)

func TestNewPVAppliesDefaults(t *testing.T) {
	n, err := NewPV("ov0", map[string]any{
		"bridge-prefix": "pvbr",
		"tap-prefix":    "tap-pv-",
	}, memstore.New())
	require.NoError(t, err)
	pv := n.(*PV)
	require.Equal(t, DefaultMACPrefix, pv.settings.MACPrefix)
	require.Equal(t, DefaultMTU, pv.settings.MTU)
}

func TestPVBridgeNameIncludesHostRank(t *testing.T) {
	n, err := NewPV("ov0", map[string]any{
		"bridge-prefix": "pvbr",
		"tap-prefix":    "tap-pv-",
	}, memstore.New())
	require.NoError(t, err)
	pv := n.(*PV)

	require.Equal(t, "pvbr3", pv.bridgeName(3))
	require.Equal(t, "pvbr0", pv.bridgeName(0))
}

func TestPVLabelIsNetworkScoped(t *testing.T) {
	n1, err := NewPV("ov0", map[string]any{"bridge-prefix": "pvbr", "tap-prefix": "tap-"}, memstore.New())
	require.NoError(t, err)
	n2, err := NewPV("ov1", map[string]any{"bridge-prefix": "pvbr", "tap-prefix": "tap-"}, memstore.New())
	require.NoError(t, err)

	require.NotEqual(t, n1.(*PV).label(), n2.(*PV).label())
	require.Equal(t, "ov0_key", n1.(*PV).label())
}

func TestPVGetLicenseAlwaysNil(t *testing.T) {
	n, err := NewPV("ov0", map[string]any{"bridge-prefix": "pvbr", "tap-prefix": "tap-"}, memstore.New())
	require.NoError(t, err)
	require.Nil(t, n.GetLicense(nil))
}
