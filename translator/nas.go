package translator

import (
	"net/netip"

	"github.com/dosgo/goMtdGate/comm"
	"github.com/dosgo/goMtdGate/comm/iptools"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/comm/mapping"
	"github.com/dosgo/goMtdGate/comm/packet"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

type NASConfig struct {
	Direction comm.Direction
	Whitelist *iptools.SubnetMatcher
	Local     *comm.LocalAddrs
	// Tracker is nil when connection tracking is off.
	Tracker  ConnectionTracker
	Priority ContinuePolicy
	// Honeypot addresses per family, an invalid address disables the
	// family.
	Honeypot   bool
	HoneypotV4 netip.Addr
	HoneypotV6 netip.Addr
}

// NAS shuffles addresses. Inbound it rewrites virtual destinations to
// real hosts, outbound it rewrites real sources back to virtual ones.
type NAS struct {
	mapped
	cfg NASConfig
}

func NewNAS(cfg NASConfig) *NAS {
	if cfg.Local == nil {
		cfg.Local = comm.NewLocalAddrs()
	}
	n := &NAS{mapped: newMapped(cfg.Direction), cfg: cfg}
	// only the inbound view feeds new-flow resolution in the tracker
	if cfg.Tracker != nil && cfg.Direction == comm.Inbound {
		tr := cfg.Tracker
		n.table.Subscribe(func(t mapping.Table) { tr.SetMapping(t) })
	}
	return n
}

func (n *NAS) Name() string {
	return "nas-" + n.dir.String()
}

func (n *NAS) Layers() []gopacket.LayerType {
	return []gopacket.LayerType{layers.LayerTypeIPv4, layers.LayerTypeIPv6}
}

func (n *NAS) Process(p *packet.Packet) bool {
	if n.dir == comm.Inbound {
		return n.inbound(p)
	}
	return n.outbound(p)
}

func (n *NAS) inbound(p *packet.Packet) bool {
	dst := p.Dst()
	scoped := log.WithFields(logrus.Fields{logging.Src: p.Src(), logging.Dst: dst})

	if realAddr, ok := n.table.Get(dst); ok {
		return n.rewriteDst(p, realAddr)
	}
	if n.cfg.Whitelist.Contains(dst) {
		scoped.Debug("Forwarding whitelisted destination")
		return true
	}
	if n.cfg.Local.Contains(dst) {
		scoped.Debug("Accepting packet for local address")
		return true
	}

	if addr, ok := n.checkBuffer(p); ok {
		scoped.WithField(logging.Addr, addr).Debug("Destination from tracked connection")
		return n.rewriteDst(p, addr)
	}

	if n.cfg.Honeypot && p.TCP() != nil {
		if !n.virtualSubnets().Contains(dst) {
			scoped.Debug("Destination outside the virtual subnets, honeypot not used")
			return true
		}
		honeypot := n.cfg.HoneypotV6
		if dst.Is4() {
			honeypot = n.cfg.HoneypotV4
		}
		if !honeypot.IsValid() {
			scoped.Error("No honeypot address for address family")
			return false
		}
		if n.cfg.Tracker != nil {
			tcp := p.TCP()
			n.cfg.Tracker.AddConnection(p.Src(), uint16(tcp.SrcPort), dst, uint16(tcp.DstPort), honeypot, true)
		}
		scoped.WithField(logging.Addr, honeypot).Info("Unmapped virtual address, diverting to honeypot")
		return n.rewriteDst(p, honeypot)
	}

	scoped.Debug("No mapping for destination, dropping")
	return false
}

func (n *NAS) outbound(p *packet.Packet) bool {
	if addr, ok := n.checkBuffer(p); ok {
		return n.rewriteSrc(p, addr)
	}
	if virt, ok := n.table.Get(p.Src()); ok {
		return n.rewriteSrc(p, virt)
	}
	return true
}

// checkBuffer asks the tracker for an established flow. The answer is
// honoured if the flow's port may continue or the flow is enforced.
func (n *NAS) checkBuffer(p *packet.Packet) (netip.Addr, bool) {
	if n.cfg.Tracker == nil || p.TCP() == nil {
		return netip.Addr{}, false
	}
	seg := p.Segment()
	addr, enforced, found := n.cfg.Tracker.CheckBuffer(seg, n.dir)
	if !found {
		return netip.Addr{}, false
	}
	port := seg.DstPort
	if n.dir == comm.Outbound {
		port = seg.SrcPort
	}
	if enforced || n.cfg.Priority == nil || n.cfg.Priority.AllowContinue(port) {
		return addr, true
	}
	log.WithField(logging.Port, port).Debug("Port priority does not let the tracked connection continue")
	return netip.Addr{}, false
}

func (n *NAS) rewriteDst(p *packet.Packet, a netip.Addr) bool {
	if err := p.SetDst(a); err != nil {
		logPacketError(p, err, "Cannot rewrite destination")
		return false
	}
	return true
}

func (n *NAS) rewriteSrc(p *packet.Packet, a netip.Addr) bool {
	if err := p.SetSrc(a); err != nil {
		logPacketError(p, err, "Cannot rewrite source")
		return false
	}
	return true
}
