// Package packettest builds raw IP packets for tests.
package packettest

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Flags selects TCP control bits.
type Flags struct {
	SYN, FIN, ACK, RST bool
}

func ipLayer(src, dst netip.Addr, proto layers.IPProtocol) (gopacket.SerializableLayer, gopacket.NetworkLayer) {
	if src.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
		return ip, ip
	}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: proto,
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}
	return ip, ip
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// TCP builds a TCP segment between the given endpoints.
func TCP(src string, sport uint16, dst string, dport uint16, f Flags, payload []byte) []byte {
	s, d := netip.MustParseAddr(src), netip.MustParseAddr(dst)
	ip, nl := ipLayer(s, d, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     1000,
		Window:  65535,
		SYN:     f.SYN,
		FIN:     f.FIN,
		ACK:     f.ACK,
		RST:     f.RST,
	}
	_ = tcp.SetNetworkLayerForChecksum(nl)
	return serialize(ip, tcp, gopacket.Payload(payload))
}

// UDP builds a datagram between the given endpoints.
func UDP(src string, sport uint16, dst string, dport uint16, payload []byte) []byte {
	s, d := netip.MustParseAddr(src), netip.MustParseAddr(dst)
	ip, nl := ipLayer(s, d, layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(sport),
		DstPort: layers.UDPPort(dport),
	}
	_ = udp.SetNetworkLayerForChecksum(nl)
	return serialize(ip, udp, gopacket.Payload(payload))
}

// ICMPv4Echo builds an echo request, a packet without transport ports.
func ICMPv4Echo(src, dst string) []byte {
	s, d := netip.MustParseAddr(src), netip.MustParseAddr(dst)
	ip, _ := ipLayer(s, d, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       1,
		Seq:      1,
	}
	return serialize(ip, icmp, gopacket.Payload([]byte("ping")))
}

// Decode parses a raw packet for assertions.
func Decode(b []byte) gopacket.Packet {
	if len(b) > 0 && b[0]>>4 == 6 {
		return gopacket.NewPacket(b, layers.LayerTypeIPv6, gopacket.Default)
	}
	return gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
}

// ChecksumsValid re-serializes the decoded packet with fresh checksums
// and reports whether the bytes are unchanged.
func ChecksumsValid(b []byte) bool {
	p := Decode(b)
	var ls []gopacket.SerializableLayer
	var nl gopacket.NetworkLayer
	for _, l := range p.Layers() {
		switch v := l.(type) {
		case *layers.IPv4:
			nl = v
			ls = append(ls, v)
		case *layers.IPv6:
			nl = v
			ls = append(ls, v)
		case *layers.TCP:
			_ = v.SetNetworkLayerForChecksum(nl)
			return string(serialize(append(ls, v, gopacket.Payload(v.LayerPayload()))...)) == string(b)
		case *layers.UDP:
			_ = v.SetNetworkLayerForChecksum(nl)
			return string(serialize(append(ls, v, gopacket.Payload(v.LayerPayload()))...)) == string(b)
		case *layers.ICMPv4:
			return string(serialize(append(ls, v, gopacket.Payload(v.LayerPayload()))...)) == string(b)
		}
	}
	return false
}
