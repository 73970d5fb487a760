// Package packet decodes raw L3 payloads handed out by the kernel queue,
// lets translators rewrite addresses, ports and application payloads, and
// serializes the result with lengths and checksums recomputed.
package packet

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

var (
	ErrNotIP          = errors.New("payload is neither IPv6 nor IPv4")
	ErrFamilyMismatch = errors.New("address family does not match packet")
	ErrNoTransport    = errors.New("packet has no TCP or UDP layer")
)

// Packet is one decoded IP packet. It is owned by a single worker and is
// not safe for concurrent use.
type Packet struct {
	version int
	pkt     gopacket.Packet

	ip4 *layers.IPv4
	ip6 *layers.IPv6
	tcp *layers.TCP
	udp *layers.UDP

	// appPayload replaces the transport payload when set
	appPayload []byte
	replaced   bool
}

// Decode parses data as IPv6 and falls back to IPv4.
func Decode(data []byte) (*Packet, error) {
	if p := decodeAs(data, layers.LayerTypeIPv6); p != nil && p.ip6 != nil && p.ip6.Version == 6 {
		p.version = 6
		return p, nil
	}
	if p := decodeAs(data, layers.LayerTypeIPv4); p != nil && p.ip4 != nil && p.ip4.Version == 4 {
		p.version = 4
		return p, nil
	}
	return nil, ErrNotIP
}

func decodeAs(data []byte, first gopacket.LayerType) *Packet {
	gp := gopacket.NewPacket(data, first, gopacket.Default)
	p := &Packet{pkt: gp}
	switch first {
	case layers.LayerTypeIPv6:
		l, ok := gp.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		if !ok {
			return nil
		}
		p.ip6 = l
	case layers.LayerTypeIPv4:
		l, ok := gp.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			return nil
		}
		p.ip4 = l
	}
	if l, ok := gp.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		p.tcp = l
	}
	if l, ok := gp.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		p.udp = l
	}
	return p
}

func (p *Packet) Version() int {
	return p.version
}

// HasLayer reports whether the decoded packet carries a layer of type t.
func (p *Packet) HasLayer(t gopacket.LayerType) bool {
	return p.pkt.Layer(t) != nil
}

func (p *Packet) Layer(t gopacket.LayerType) gopacket.Layer {
	return p.pkt.Layer(t)
}

func (p *Packet) TCP() *layers.TCP {
	return p.tcp
}

func (p *Packet) UDP() *layers.UDP {
	return p.udp
}

func (p *Packet) Src() netip.Addr {
	if p.ip4 != nil {
		return fromIP(p.ip4.SrcIP)
	}
	return fromIP(p.ip6.SrcIP)
}

func (p *Packet) Dst() netip.Addr {
	if p.ip4 != nil {
		return fromIP(p.ip4.DstIP)
	}
	return fromIP(p.ip6.DstIP)
}

func (p *Packet) SetSrc(a netip.Addr) error {
	ip, err := p.toIP(a)
	if err != nil {
		return err
	}
	if p.ip4 != nil {
		p.ip4.SrcIP = ip
	} else {
		p.ip6.SrcIP = ip
	}
	return nil
}

func (p *Packet) SetDst(a netip.Addr) error {
	ip, err := p.toIP(a)
	if err != nil {
		return err
	}
	if p.ip4 != nil {
		p.ip4.DstIP = ip
	} else {
		p.ip6.DstIP = ip
	}
	return nil
}

func (p *Packet) toIP(a netip.Addr) (net.IP, error) {
	a = a.Unmap()
	if p.ip4 != nil {
		if !a.Is4() {
			return nil, errors.Wrapf(ErrFamilyMismatch, "%s into IPv4", a)
		}
	} else if !a.Is6() {
		return nil, errors.Wrapf(ErrFamilyMismatch, "%s into IPv6", a)
	}
	return net.IP(a.AsSlice()), nil
}

func fromIP(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

// Ports returns the transport ports, ok is false without TCP or UDP.
func (p *Packet) Ports() (src, dst uint16, ok bool) {
	switch {
	case p.tcp != nil:
		return uint16(p.tcp.SrcPort), uint16(p.tcp.DstPort), true
	case p.udp != nil:
		return uint16(p.udp.SrcPort), uint16(p.udp.DstPort), true
	}
	return 0, 0, false
}

func (p *Packet) SetSrcPort(port uint16) error {
	switch {
	case p.tcp != nil:
		p.tcp.SrcPort = layers.TCPPort(port)
	case p.udp != nil:
		p.udp.SrcPort = layers.UDPPort(port)
	default:
		return ErrNoTransport
	}
	return nil
}

func (p *Packet) SetDstPort(port uint16) error {
	switch {
	case p.tcp != nil:
		p.tcp.DstPort = layers.TCPPort(port)
	case p.udp != nil:
		p.udp.DstPort = layers.UDPPort(port)
	default:
		return ErrNoTransport
	}
	return nil
}

// ApplicationPayload is the payload carried by the transport layer.
func (p *Packet) ApplicationPayload() []byte {
	if p.replaced {
		return p.appPayload
	}
	switch {
	case p.tcp != nil:
		return p.tcp.LayerPayload()
	case p.udp != nil:
		return p.udp.LayerPayload()
	}
	return nil
}

// SetApplicationPayload replaces the transport payload on serialization.
func (p *Packet) SetApplicationPayload(b []byte) error {
	if p.tcp == nil && p.udp == nil {
		return ErrNoTransport
	}
	p.appPayload = b
	p.replaced = true
	return nil
}

// Segment is a copy of the fields connection tracking looks at. It is
// taken before the packet is handed on so tracking never touches the
// packet being forwarded.
type Segment struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	TCP              bool
	SYN, FIN, ACK    bool
}

func (p *Packet) Segment() Segment {
	s := Segment{Src: p.Src(), Dst: p.Dst()}
	if p.tcp != nil {
		s.TCP = true
		s.SrcPort = uint16(p.tcp.SrcPort)
		s.DstPort = uint16(p.tcp.DstPort)
		s.SYN, s.FIN, s.ACK = p.tcp.SYN, p.tcp.FIN, p.tcp.ACK
	} else if p.udp != nil {
		s.SrcPort = uint16(p.udp.SrcPort)
		s.DstPort = uint16(p.udp.DstPort)
	}
	return s
}

func (p *Packet) networkLayer() gopacket.NetworkLayer {
	if p.ip4 != nil {
		return p.ip4
	}
	return p.ip6
}

func isTransport(t gopacket.LayerType) bool {
	switch t {
	case layers.LayerTypeTCP, layers.LayerTypeUDP, layers.LayerTypeICMPv4, layers.LayerTypeICMPv6:
		return true
	}
	return false
}

// Serialize rebuilds the packet. IPv4 header length and checksum, UDP
// length and checksum, TCP checksum and ICMPv6 checksum are recomputed
// from the current field values. Layers above the transport layer are
// written back as opaque payload.
func (p *Packet) Serialize() ([]byte, error) {
	network := p.networkLayer()
	var out []gopacket.SerializableLayer
	var rest []byte

	for _, l := range p.pkt.Layers() {
		// IPv6 writes its own hop-by-hop header
		if l.LayerType() == layers.LayerTypeIPv6HopByHop && p.ip6 != nil && p.ip6.HopByHop != nil {
			continue
		}
		sl, ok := l.(gopacket.SerializableLayer)
		if !ok {
			rest = append(append([]byte(nil), l.LayerContents()...), l.LayerPayload()...)
			break
		}
		out = append(out, sl)
		if isTransport(l.LayerType()) {
			rest = l.LayerPayload()
			break
		}
	}

	switch {
	case p.tcp != nil:
		if err := p.tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, errors.Wrap(err, "tcp checksum")
		}
	case p.udp != nil:
		if err := p.udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, errors.Wrap(err, "udp checksum")
		}
	}
	if icmp, ok := p.pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
		if err := icmp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, errors.Wrap(err, "icmpv6 checksum")
		}
	}

	if p.replaced {
		rest = p.appPayload
	}
	if len(rest) > 0 {
		out = append(out, gopacket.Payload(rest))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, out...); err != nil {
		return nil, errors.Wrap(err, "serializing packet")
	}
	return buf.Bytes(), nil
}
