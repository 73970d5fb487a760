package comm

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPortBitmap(t *testing.T) {
	b := NewPortBitmap(443, 22, 65535, 0)
	assert.True(t, b.Has(22))
	assert.True(t, b.Has(65535))
	assert.False(t, b.Has(80))
	assert.Equal(t, []uint16{0, 22, 443, 65535}, b.Ports())

	b.Set(80)
	assert.True(t, b.Has(80))
}

func TestLocalAddrs(t *testing.T) {
	calls := 0
	l := &LocalAddrs{lookup: func() ([]net.Addr, error) {
		calls++
		return []net.Addr{
			&net.IPNet{IP: net.ParseIP("10.0.0.1"), Mask: net.CIDRMask(24, 32)},
			&net.IPNet{IP: net.ParseIP("fd00::1"), Mask: net.CIDRMask(64, 128)},
		}, nil
	}}
	assert.True(t, l.Contains(netip.MustParseAddr("10.0.0.1")))
	assert.True(t, l.Contains(netip.MustParseAddr("::ffff:10.0.0.1")))
	assert.True(t, l.Contains(netip.MustParseAddr("fd00::1")))
	assert.False(t, l.Contains(netip.MustParseAddr("10.0.0.2")))
	assert.Equal(t, 1, calls)

	s := StaticLocalAddrs(netip.MustParseAddr("192.168.1.1"))
	assert.True(t, s.Contains(netip.MustParseAddr("192.168.1.1")))
	assert.False(t, s.Contains(netip.MustParseAddr("10.0.0.1")))
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "inbound", Inbound.String())
	assert.Equal(t, "outbound", Outbound.String())
}
