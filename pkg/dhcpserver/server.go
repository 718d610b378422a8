// Package dhcpserver runs the bridge-bound DHCP/DNS responder the nat
// network type depends on, replacing the source's shelled-out dnsmasq
// invocation with an embedded server offering the exact same option
// surface: one static lease, no dynamic range, and a forwarding DNS
// resolver when an upstream is configured.
package dhcpserver

import (
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/miekg/dns"

	"github.com/clusterkit/netprov/pkg/log"
)

// domainSearchOption is DHCP option 119 (RFC 3397), used to hand the VM a
// search domain the same way the original's --dhcp-option=119 did.
const domainSearchOption = dhcpv4.OptionCode(dhcpv4.GenericOptionCode(119))

// Config describes the single static lease and resolver options a nat
// network's DHCP/DNS server offers.
type Config struct {
	Bridge     string
	VMMAC      net.HardwareAddr
	VMIP       net.IP
	Netmask    net.IPMask
	Gateway    net.IP
	DomainName string
	DNSServer  net.IP
	NTPServer  net.IP
}

// Server is one running DHCP/DNS pair bound to a bridge interface.
type Server struct {
	cfg       Config
	dhcp      *server4.Server
	dns       *dns.Server
}

var (
	mu      sync.Mutex
	running = map[string]*Server{}
)

// EnsureRunning starts a server bound to cfg.Bridge if one is not already
// running there, mirroring the original's "start or verify live" behavior
// where the dnsmasq pid file doubled as the liveness marker.
func EnsureRunning(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := running[cfg.Bridge]; ok {
		return nil
	}
	srv, err := start(cfg)
	if err != nil {
		return err
	}
	running[cfg.Bridge] = srv
	return nil
}

// Stop shuts down the server bound to bridge, if any.
func Stop(bridge string) error {
	mu.Lock()
	defer mu.Unlock()
	srv, ok := running[bridge]
	if !ok {
		return nil
	}
	delete(running, bridge)
	return srv.stop()
}

func start(cfg Config) (*Server, error) {
	logger := log.WithComponent("dhcpserver")

	handler := func(conn net.PacketConn, peer net.Addr, req *dhcpv4.DHCPv4) {
		reply, err := buildReply(cfg, req)
		if err != nil {
			logger.Warn().Err(err).Str("bridge", cfg.Bridge).Msg("build dhcp reply failed")
			return
		}
		if reply == nil {
			return
		}
		if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
			logger.Warn().Err(err).Str("bridge", cfg.Bridge).Msg("write dhcp reply failed")
		}
	}

	dhcpSrv, err := server4.NewServer(cfg.Bridge, nil, handler)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := dhcpSrv.Serve(); err != nil {
			logger.Warn().Err(err).Str("bridge", cfg.Bridge).Msg("dhcp server exited")
		}
	}()

	var dnsSrv *dns.Server
	if cfg.DNSServer != nil {
		mux := dns.NewServeMux()
		mux.HandleFunc(".", forwardingHandler(cfg.DNSServer))
		dnsSrv = &dns.Server{Addr: cfg.Gateway.String() + ":53", Net: "udp", Handler: mux}
		go func() {
			if err := dnsSrv.ListenAndServe(); err != nil {
				logger.Warn().Err(err).Str("bridge", cfg.Bridge).Msg("dns server exited")
			}
		}()
	}

	return &Server{cfg: cfg, dhcp: dhcpSrv, dns: dnsSrv}, nil
}

func (s *Server) stop() error {
	if s.dns != nil {
		_ = s.dns.Shutdown()
	}
	return s.dhcp.Close()
}

// buildReply answers DHCPDISCOVER with DHCPOFFER and DHCPREQUEST with
// DHCPACK, both offering the single configured VM address — there is no
// dynamic pool, matching the original's -F ip,static with a single
// --dhcp-host binding.
func buildReply(cfg Config, req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	if req.ClientHWAddr.String() != cfg.VMMAC.String() {
		return nil, nil
	}

	msgType := dhcpv4.MessageTypeOffer
	if req.MessageType() == dhcpv4.MessageTypeRequest {
		msgType = dhcpv4.MessageTypeAck
	}

	modifiers := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithServerIP(cfg.Gateway),
		dhcpv4.WithYourIP(cfg.VMIP),
		dhcpv4.WithOption(dhcpv4.OptSubnetMask(cfg.Netmask)),
		dhcpv4.WithOption(dhcpv4.OptRouter(cfg.Gateway)),
		dhcpv4.WithOption(dhcpv4.OptIPAddressLeaseTime(7 * 24 * time.Hour)),
	}
	if cfg.DomainName != "" {
		modifiers = append(modifiers,
			dhcpv4.WithOption(dhcpv4.OptDomainName(cfg.DomainName)),
			dhcpv4.WithOption(dhcpv4.OptGeneric(domainSearchOption, encodeDomainSearch(cfg.DomainName))),
		)
	}
	if cfg.DNSServer != nil {
		modifiers = append(modifiers, dhcpv4.WithOption(dhcpv4.OptDNS(cfg.DNSServer)))
	}
	if cfg.NTPServer != nil {
		modifiers = append(modifiers, dhcpv4.WithOption(dhcpv4.OptNTPServers(cfg.NTPServer)))
	}

	return dhcpv4.NewReplyFromRequest(req, modifiers...)
}

// encodeDomainSearch encodes a single domain as RFC 3397 option 119: a DNS
// wire-format label sequence with no compression.
func encodeDomainSearch(domain string) []byte {
	var out []byte
	for _, label := range splitDomain(domain) {
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	return append(out, 0)
}

func splitDomain(domain string) []string {
	var labels []string
	start := 0
	for i := 0; i < len(domain); i++ {
		if domain[i] == '.' {
			labels = append(labels, domain[start:i])
			start = i + 1
		}
	}
	if start < len(domain) {
		labels = append(labels, domain[start:])
	}
	return labels
}

// forwardingHandler proxies every query to upstream, the dns-server setting
// configured for the nat network, so VM name resolution works without this
// process becoming a caching resolver in its own right.
func forwardingHandler(upstream net.IP) dns.HandlerFunc {
	client := &dns.Client{Timeout: 5 * time.Second}
	addr := net.JoinHostPort(upstream.String(), "53")
	return func(w dns.ResponseWriter, req *dns.Msg) {
		resp, _, err := client.Exchange(req, addr)
		if err != nil {
			m := new(dns.Msg)
			m.SetRcode(req, dns.RcodeServerFailure)
			_ = w.WriteMsg(m)
			return
		}
		_ = w.WriteMsg(resp)
	}
}
