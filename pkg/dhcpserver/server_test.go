package dhcpserver

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"
)

func TestSplitDomain(t *testing.T) {
	require.Equal(t, []string{"cluster", "local"}, splitDomain("cluster.local"))
	require.Equal(t, []string{"a", "b", "c"}, splitDomain("a.b.c"))
	require.Equal(t, []string{"local"}, splitDomain("local"))
	require.Empty(t, splitDomain(""))
}

func TestEncodeDomainSearchIsLengthPrefixedAndTerminated(t *testing.T) {
	out := encodeDomainSearch("cluster.local")
	// "cluster" (7) + "local" (5): 1+7 + 1+5 + terminating zero.
	require.Equal(t, byte(7), out[0])
	require.Equal(t, "cluster", string(out[1:8]))
	require.Equal(t, byte(5), out[8])
	require.Equal(t, "local", string(out[9:14]))
	require.Equal(t, byte(0), out[len(out)-1])
}

func sampleConfig() Config {
	mac, _ := net.ParseMAC("52:54:00:00:00:01")
	return Config{
		Bridge:     "natbr0",
		VMMAC:      mac,
		VMIP:       net.ParseIP("10.201.0.2"),
		Netmask:    net.CIDRMask(24, 32),
		Gateway:    net.ParseIP("10.201.0.1"),
		DomainName: "cluster.local",
	}
}

func newDiscover(t *testing.T, mac net.HardwareAddr) *dhcpv4.DHCPv4 {
	t.Helper()
	req, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	return req
}

func TestBuildReplyIgnoresOtherMACs(t *testing.T) {
	cfg := sampleConfig()
	other, _ := net.ParseMAC("52:54:00:00:00:99")
	req := newDiscover(t, other)

	reply, err := buildReply(cfg, req)
	require.NoError(t, err)
	require.Nil(t, reply)
}

func TestBuildReplyOffersConfiguredVMIPOnDiscover(t *testing.T) {
	cfg := sampleConfig()
	req := newDiscover(t, cfg.VMMAC)

	reply, err := buildReply(cfg, req)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, dhcpv4.MessageTypeOffer, reply.MessageType())
	require.True(t, reply.YourIPAddr.Equal(cfg.VMIP))
}

func TestBuildReplyAcksOnRequest(t *testing.T) {
	cfg := sampleConfig()
	req := newDiscover(t, cfg.VMMAC)
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))

	reply, err := buildReply(cfg, req)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, dhcpv4.MessageTypeAck, reply.MessageType())
}
