package iptools

import (
	"net"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	"github.com/yl2chen/cidranger"
)

// SubnetMatcher answers "is this address inside one of these networks".
// A matcher is immutable once built, replace it to change the set.
type SubnetMatcher struct {
	ranger   cidranger.Ranger
	prefixes []netip.Prefix
}

func NewSubnetMatcher(prefixes ...netip.Prefix) *SubnetMatcher {
	m := &SubnetMatcher{
		ranger: cidranger.NewPCTrieRanger(),
	}
	for _, p := range prefixes {
		p = p.Masked()
		network := net.IPNet{
			IP:   net.IP(p.Addr().AsSlice()),
			Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
		}
		if err := m.ranger.Insert(cidranger.NewBasicRangerEntry(network)); err == nil {
			m.prefixes = append(m.prefixes, p)
		}
	}
	return m
}

// ParseSubnetMatcher accepts CIDR prefixes and bare addresses.
func ParseSubnetMatcher(subnets []string) (*SubnetMatcher, error) {
	prefixes := make([]netip.Prefix, 0, len(subnets))
	for _, s := range subnets {
		p, err := ParsePrefixOrAddr(s)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return NewSubnetMatcher(prefixes...), nil
}

// Contains reports whether ip lies in any of the networks. A nil matcher
// contains nothing.
func (m *SubnetMatcher) Contains(ip netip.Addr) bool {
	if m == nil || !ip.IsValid() {
		return false
	}
	contains, err := m.ranger.Contains(net.IP(ip.Unmap().AsSlice()))
	if err != nil {
		return false
	}
	return contains
}

func (m *SubnetMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.prefixes)
}

func (m *SubnetMatcher) Prefixes() []netip.Prefix {
	if m == nil {
		return nil
	}
	return append([]netip.Prefix(nil), m.prefixes...)
}

// ParsePrefixOrAddr parses "10.0.0.0/24" or a single address, which becomes
// a host prefix.
func ParsePrefixOrAddr(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, errors.Wrapf(err, "invalid subnet %q", s)
		}
		if p.Addr().Is4In6() {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, errors.Wrapf(err, "invalid address %q", s)
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}
