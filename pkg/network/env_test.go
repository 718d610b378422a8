package network

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvHWAddrAbsentByDefault(t *testing.T) {
	_, ok := EnvHWAddr("does-not-exist-net")
	require.False(t, ok)
}

func TestEnvHWAddrReadsSanitizedName(t *testing.T) {
	t.Setenv("PCOCC_NET_MY_NET_HWADDR", "52:54:00:11:22:33")
	mac, ok := EnvHWAddr("my-net")
	require.True(t, ok)
	require.Equal(t, "52:54:00:11:22:33", mac)
}

func TestEnvGUIDRejectsUnparseableValue(t *testing.T) {
	t.Setenv("PCOCC_NET_FAB0_PORT_GUID", "not-hex")
	_, ok := EnvGUID("fab0", "PORT")
	require.False(t, ok)
}

func TestEnvGUIDAcceptsHexWithOrWithoutPrefix(t *testing.T) {
	t.Setenv("PCOCC_NET_FAB0_NODE_GUID", "0xC0FFEE")
	guid, ok := EnvGUID("fab0", "node")
	require.True(t, ok)
	require.Equal(t, uint64(0xC0FFEE), guid)

	t.Setenv("PCOCC_NET_FAB0_PORT_GUID", "c0ffee")
	guid, ok = EnvGUID("fab0", "port")
	require.True(t, ok)
	require.Equal(t, uint64(0xC0FFEE), guid)
}
