package network

// NATSettings configures the nat network type.
type NATSettings struct {
	NATNetwork    string              `yaml:"nat-network"`
	VMNetwork     string              `yaml:"vm-network"`
	VMNetworkGW   string              `yaml:"vm-network-gw"`
	VMIP          string              `yaml:"vm-ip"`
	Bridge        string              `yaml:"bridge"`
	TapPrefix     string              `yaml:"tap-prefix"`
	VMHWAddr      string              `yaml:"vm-hwaddr"`
	BridgeHWAddr  string              `yaml:"bridge-hwaddr"`
	MTU           int                 `yaml:"mtu"`
	DomainName    string              `yaml:"domain-name"`
	DNSServer     string              `yaml:"dns-server"`
	NTPServer     string              `yaml:"ntp-server"`
	AllowOutbound string              `yaml:"allow-outbound"`
	ReverseNAT    *ReverseNATSettings `yaml:"reverse-nat,omitempty"`
}

// ReverseNATSettings configures inbound port-forwarding for the nat type.
type ReverseNATSettings struct {
	VMPort      int `yaml:"vm-port"`
	MinHostPort int `yaml:"min-host-port"`
	MaxHostPort int `yaml:"max-host-port"`
}

// PVSettings configures the pv (private-overlay) network type.
type PVSettings struct {
	BridgePrefix string `yaml:"bridge-prefix"`
	TapPrefix    string `yaml:"tap-prefix"`
	MACPrefix    string `yaml:"mac-prefix"`
	MTU          int    `yaml:"mtu"`
	HostIfSuffix string `yaml:"host-if-suffix"`
}

// IBSettings configures the fabric-coordinated ib network type.
type IBSettings struct {
	HostDevice         string `yaml:"host-device"`
	MinPkey            string `yaml:"min-pkey"`
	MaxPkey            string `yaml:"max-pkey"`
	OpenSMDaemon       string `yaml:"opensm-daemon"`
	OpenSMPartitionCfg string `yaml:"opensm-partition-cfg"`
	OpenSMPartitionTpl string `yaml:"opensm-partition-tpl"`
	License            string `yaml:"license,omitempty"`
}

// BridgedSettings configures the bridged network type.
type BridgedSettings struct {
	HostBridge string `yaml:"host-bridge"`
	TapPrefix  string `yaml:"tap-prefix"`
	MTU        int    `yaml:"mtu"`
}

// HostIBSettings configures the host-only hostib network type.
type HostIBSettings struct {
	HostDevice string `yaml:"host-device"`
}

// GenericPCISettings configures the genericpci network type.
type GenericPCISettings struct {
	HostDeviceAddrs []string `yaml:"host-device-addrs"`
	HostDriver      string   `yaml:"host-driver"`
}

// Defaults matching the catalog schema.
const (
	DefaultVMHWAddr      = "52:54:00:44:AE:5E"
	DefaultBridgeHWAddr  = "52:54:00:C0:C0:C0"
	DefaultMTU           = 1500
	DefaultMACPrefix     = "52:54:00"
	DefaultAllowOutbound = "all"
)

func (s *NATSettings) applyDefaults() {
	if s.VMHWAddr == "" {
		s.VMHWAddr = DefaultVMHWAddr
	}
	if s.BridgeHWAddr == "" {
		s.BridgeHWAddr = DefaultBridgeHWAddr
	}
	if s.MTU == 0 {
		s.MTU = DefaultMTU
	}
	if s.AllowOutbound == "" {
		s.AllowOutbound = DefaultAllowOutbound
	}
}

func (s *PVSettings) applyDefaults() {
	if s.MACPrefix == "" {
		s.MACPrefix = DefaultMACPrefix
	}
	if s.MTU == 0 {
		s.MTU = DefaultMTU
	}
}

func (s *BridgedSettings) applyDefaults() {
	if s.MTU == 0 {
		s.MTU = DefaultMTU
	}
}
