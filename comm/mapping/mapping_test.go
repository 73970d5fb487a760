package mapping

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/dosgo/goMtdGate/comm"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	virtAddr = netip.MustParseAddr("192.168.1.7")
	realAddr = netip.MustParseAddr("10.0.0.5")
)

func TestInboundLooksUpByKey(t *testing.T) {
	h := NewHolder(comm.Inbound)
	_, ok := h.Get(virtAddr)
	require.False(t, ok)
	require.False(t, h.Loaded())

	require.NoError(t, h.Set(Table{virtAddr: realAddr}))
	got, ok := h.Get(virtAddr)
	require.True(t, ok)
	assert.Equal(t, realAddr, got)

	_, ok = h.Get(realAddr)
	assert.False(t, ok)
}

func TestOutboundLooksUpByValue(t *testing.T) {
	h := NewHolder(comm.Outbound)
	require.NoError(t, h.Set(Table{virtAddr: realAddr}))

	got, ok := h.Get(realAddr)
	require.True(t, ok)
	assert.Equal(t, virtAddr, got)
	assert.Equal(t, Table{realAddr: virtAddr}, h.Snapshot())
}

func TestDuplicateValuesRejected(t *testing.T) {
	h := NewHolder(comm.Outbound)
	require.NoError(t, h.Set(Table{virtAddr: realAddr}))

	err := h.Set(Table{
		netip.MustParseAddr("192.168.1.8"): realAddr,
		netip.MustParseAddr("192.168.1.9"): realAddr,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateValue))

	// previous table still active
	got, ok := h.Get(realAddr)
	require.True(t, ok)
	assert.Equal(t, virtAddr, got)
}

func TestInboundAcceptsDuplicateValues(t *testing.T) {
	h := NewHolder(comm.Inbound)
	other := netip.MustParseAddr("192.168.1.9")
	require.NoError(t, h.Set(Table{virtAddr: realAddr, other: realAddr}))

	for _, v := range []netip.Addr{virtAddr, other} {
		got, ok := h.Get(v)
		require.True(t, ok)
		assert.Equal(t, realAddr, got)
	}
}

func TestObserversSeeEveryTable(t *testing.T) {
	h := NewHolder(comm.Inbound)
	var seen []Table
	h.Subscribe(func(tbl Table) { seen = append(seen, tbl) })

	require.NoError(t, h.Set(Table{virtAddr: realAddr}))
	require.NoError(t, h.Set(Table{}))
	require.Len(t, seen, 2)
	assert.Equal(t, Table{virtAddr: realAddr}, seen[0])
	assert.Empty(t, seen[1])
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	h := NewHolder(comm.Inbound)
	a := Table{}
	b := Table{}
	for i := 0; i < 50; i++ {
		a[netip.AddrFrom4([4]byte{192, 168, 1, byte(i)})] = netip.AddrFrom4([4]byte{10, 0, 0, byte(i)})
		b[netip.AddrFrom4([4]byte{192, 168, 2, byte(i)})] = netip.AddrFrom4([4]byte{10, 0, 0, byte(i)})
	}
	require.NoError(t, h.Set(a))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := h.Snapshot()
				_, inA := s[netip.AddrFrom4([4]byte{192, 168, 1, 0})]
				_, inB := s[netip.AddrFrom4([4]byte{192, 168, 2, 0})]
				assert.True(t, inA != inB)
				assert.Len(t, s, 50)
			}
		}()
	}
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			require.NoError(t, h.Set(b))
		} else {
			require.NoError(t, h.Set(a))
		}
	}
	close(stop)
	wg.Wait()
}

func TestParseTable(t *testing.T) {
	tbl, err := ParseTable(map[string]string{"192.168.1.7": "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, Table{virtAddr: realAddr}, tbl)
	assert.Equal(t, map[string]string{"192.168.1.7": "10.0.0.5"}, tbl.Strings())

	_, err = ParseTable(map[string]string{"x": "10.0.0.5"})
	require.Error(t, err)
}
