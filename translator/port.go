package translator

import (
	"net/netip"
	"sync/atomic"

	"github.com/dosgo/goMtdGate/comm"
	"github.com/dosgo/goMtdGate/comm/iptools"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/comm/packet"
	"github.com/dosgo/goMtdGate/phfunc"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

// Keymap holds the pre-shared port hopping key per peer address.
type Keymap map[netip.Addr]string

type PortConfig struct {
	Direction comm.Direction
	// Client is set when this gateway fronts the client network rather
	// than the host network.
	Client        bool
	Whitelist     *iptools.SubnetMatcher
	Local         *comm.LocalAddrs
	ServerSubnets *iptools.SubnetMatcher
	Keys          Keymap
	Hopper        phfunc.PortHopper
}

// Port hops TCP and UDP ports with a keyed function shared by both ends.
type Port struct {
	cfg  PortConfig
	keys atomic.Pointer[Keymap]
}

func NewPort(cfg PortConfig) *Port {
	if cfg.Local == nil {
		cfg.Local = comm.NewLocalAddrs()
	}
	t := &Port{cfg: cfg}
	t.SetKeymap(cfg.Keys)
	return t
}

// SetKeymap swaps the key table used by subsequent packets.
func (t *Port) SetKeymap(k Keymap) {
	if k == nil {
		k = Keymap{}
	}
	t.keys.Store(&k)
}

func (t *Port) key(a netip.Addr) (string, bool) {
	k, ok := (*t.keys.Load())[a]
	return k, ok
}

func (t *Port) Name() string {
	return "port-" + t.cfg.Direction.String()
}

func (t *Port) Layers() []gopacket.LayerType {
	return []gopacket.LayerType{layers.LayerTypeTCP, layers.LayerTypeUDP}
}

func (t *Port) Process(p *packet.Packet) bool {
	src, dst := p.Src(), p.Dst()
	if t.cfg.ServerSubnets.Len() > 0 && !t.cfg.ServerSubnets.Contains(src) && !t.cfg.ServerSubnets.Contains(dst) {
		return true
	}
	if t.cfg.Whitelist.Contains(src) || t.cfg.Whitelist.Contains(dst) {
		return true
	}
	if t.cfg.Local.Contains(dst) {
		return true
	}
	return t.translate(p, src, dst)
}

// translate covers the four combinations of packet direction and gateway
// side. Inbound ports go virtual to real, outbound real to virtual. The
// key is looked up by the address of the peer on the other network.
func (t *Port) translate(p *packet.Packet, src, dst netip.Addr) bool {
	sport, dport, ok := p.Ports()
	if !ok {
		return true
	}

	var (
		peer    netip.Addr
		old     uint16
		setPort func(uint16) error
	)
	switch {
	case t.cfg.Direction == comm.Inbound && t.cfg.Client:
		peer, old, setPort = dst, sport, p.SetSrcPort
	case t.cfg.Direction == comm.Inbound:
		peer, old, setPort = src, dport, p.SetDstPort
	case t.cfg.Client:
		peer, old, setPort = src, dport, p.SetDstPort
	default:
		peer, old, setPort = dst, sport, p.SetSrcPort
	}

	key, ok := t.key(peer)
	if !ok {
		log.WithField(logging.Addr, peer).Debug("No port hopping key, dropping")
		return false
	}

	var port uint16
	if t.cfg.Direction == comm.Inbound {
		port = t.cfg.Hopper.VirtualToReal(old, peer, key)
	} else {
		port = t.cfg.Hopper.RealToVirtual(old, peer, key)
	}
	if err := setPort(port); err != nil {
		logPacketError(p, err, "Cannot rewrite port")
		return false
	}
	log.WithFields(logrus.Fields{logging.Addr: peer, "old": old, logging.Port: port}).Debug("Port translated")
	return true
}
