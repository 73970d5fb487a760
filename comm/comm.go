package comm

import (
	"net"
	"net/netip"
	"sync"
)

// Direction tells on which side of the gateway a packet was queued.
// Inbound traffic comes from the public network towards the protected
// hosts, Outbound traffic leaves the protected network.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// LocalAddrs caches the addresses configured on this host. The set is read
// once.
type LocalAddrs struct {
	once  sync.Once
	addrs map[netip.Addr]struct{}
	// lookup is swapped in tests
	lookup func() ([]net.Addr, error)
}

func NewLocalAddrs() *LocalAddrs {
	return &LocalAddrs{lookup: net.InterfaceAddrs}
}

// StaticLocalAddrs returns a set that never touches the interface list.
func StaticLocalAddrs(addrs ...netip.Addr) *LocalAddrs {
	l := &LocalAddrs{addrs: make(map[netip.Addr]struct{}, len(addrs))}
	l.once.Do(func() {})
	for _, a := range addrs {
		l.addrs[a.Unmap()] = struct{}{}
	}
	return l
}

func (l *LocalAddrs) load() {
	l.addrs = make(map[netip.Addr]struct{})
	ifAddrs, err := l.lookup()
	if err != nil {
		return
	}
	for _, address := range ifAddrs {
		if ipnet, ok := address.(*net.IPNet); ok {
			if a, ok := netip.AddrFromSlice(ipnet.IP); ok {
				l.addrs[a.Unmap()] = struct{}{}
			}
		}
	}
}

func (l *LocalAddrs) Contains(ip netip.Addr) bool {
	l.once.Do(l.load)
	_, ok := l.addrs[ip.Unmap()]
	return ok
}
