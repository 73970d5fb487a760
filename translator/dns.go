package translator

import (
	"net"
	"net/netip"

	"github.com/dosgo/goMtdGate/comm"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/comm/packet"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// DNS rewrites resolver answers leaving the protected network so clients
// learn the current virtual address of a host instead of its real one.
type DNS struct {
	mapped
	ttl uint32
}

func NewDNS(ttl uint32) *DNS {
	return &DNS{mapped: newMapped(comm.Outbound), ttl: ttl}
}

func (d *DNS) Name() string {
	return "dns"
}

func (d *DNS) Layers() []gopacket.LayerType {
	return []gopacket.LayerType{layers.LayerTypeDNS}
}

// Process replaces the answer section with a single record for the first
// A or AAAA answer whose address is mapped. Authority and additional
// records are kept. Packets it cannot parse pass unchanged.
func (d *DNS) Process(p *packet.Packet) bool {
	msg := new(dns.Msg)
	if err := msg.Unpack(p.ApplicationPayload()); err != nil {
		logPacketError(p, err, "Cannot parse DNS message")
		return true
	}
	if !msg.Response {
		return true
	}

	for _, rr := range msg.Answer {
		var ip net.IP
		switch a := rr.(type) {
		case *dns.A:
			ip = a.A
		case *dns.AAAA:
			ip = a.AAAA
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		virt, ok := d.table.Get(addr.Unmap())
		if !ok {
			continue
		}

		msg.Answer = []dns.RR{d.record(rr.Header().Name, virt)}
		msg.Compress = true
		b, err := msg.Pack()
		if err != nil {
			logPacketError(p, err, "Cannot pack DNS message")
			return true
		}
		if err := p.SetApplicationPayload(b); err != nil {
			logPacketError(p, err, "Cannot replace DNS payload")
			return true
		}
		log.WithFields(logrus.Fields{
			"name":       rr.Header().Name,
			logging.Addr: virt,
			"old":        addr,
		}).Debug("DNS answer replaced")
		return true
	}
	return true
}

func (d *DNS) record(name string, a netip.Addr) dns.RR {
	hdr := dns.RR_Header{Name: name, Class: dns.ClassINET, Ttl: d.ttl}
	if a.Is4() {
		hdr.Rrtype = dns.TypeA
		return &dns.A{Hdr: hdr, A: net.IP(a.AsSlice())}
	}
	hdr.Rrtype = dns.TypeAAAA
	return &dns.AAAA{Hdr: hdr, AAAA: net.IP(a.AsSlice())}
}
