package iptools

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubnetMatcher(t *testing.T) {
	m, err := ParseSubnetMatcher([]string{"10.0.0.0/24", "192.168.1.7", "fd00::/64"})
	require.NoError(t, err)
	require.Equal(t, 3, m.Len())

	assert.True(t, m.Contains(netip.MustParseAddr("10.0.0.200")))
	assert.True(t, m.Contains(netip.MustParseAddr("192.168.1.7")))
	assert.True(t, m.Contains(netip.MustParseAddr("::ffff:10.0.0.1")))
	assert.True(t, m.Contains(netip.MustParseAddr("fd00::1234")))
	assert.False(t, m.Contains(netip.MustParseAddr("192.168.1.8")))
	assert.False(t, m.Contains(netip.MustParseAddr("fd01::1")))
	assert.False(t, m.Contains(netip.Addr{}))

	var empty *SubnetMatcher
	assert.False(t, empty.Contains(netip.MustParseAddr("10.0.0.1")))
}

func TestParseSubnetMatcherRejectsGarbage(t *testing.T) {
	_, err := ParseSubnetMatcher([]string{"10.0.0.0/33"})
	require.Error(t, err)
	_, err = ParseSubnetMatcher([]string{"not-an-ip"})
	require.Error(t, err)
}

func TestRandomAddrStaysInPrefix(t *testing.T) {
	for _, s := range []string{"192.168.1.0/24", "10.0.0.0/30", "10.1.2.3/32", "fd00:1::/120"} {
		p := netip.MustParsePrefix(s)
		for i := 0; i < 200; i++ {
			a, err := RandomAddr(p)
			require.NoError(t, err)
			require.True(t, p.Contains(a), "%s not in %s", a, p)
		}
	}
}

func TestRandomAddrCoversWholeRange(t *testing.T) {
	p := netip.MustParsePrefix("10.0.0.0/24")

	// rand.Int reads one byte per draw for a range of 256
	a, err := randomAddr(bytes.NewReader([]byte{0}), p)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.0"), a)

	a, err = randomAddr(bytes.NewReader([]byte{255}), p)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.255"), a)
}

func TestRandomIndex(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		v, err := RandomIndex(4)
		require.NoError(t, err)
		require.GreaterOrEqual(t, v, 0)
		require.Less(t, v, 4)
		seen[v] = true
	}
	assert.Len(t, seen, 4)

	_, err := RandomIndex(0)
	assert.Error(t, err)
}
