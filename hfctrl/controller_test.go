package hfctrl

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dosgo/goMtdGate/api"
	"github.com/dosgo/goMtdGate/comm"
	"github.com/dosgo/goMtdGate/comm/iptools"
	"github.com/dosgo/goMtdGate/comm/mapping"
	"github.com/dosgo/goMtdGate/translator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hostA   = netip.MustParseAddr("10.0.0.5")
	subnetA = netip.MustParsePrefix("192.168.1.0/24")
)

type recordingSink struct {
	mu      sync.Mutex
	tables  []mapping.Table
	subnets *iptools.SubnetMatcher
}

func (s *recordingSink) SetMapping(t mapping.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = append(s.tables, t.Clone())
	return nil
}

func (s *recordingSink) SetVirtualSubnets(m *iptools.SubnetMatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subnets = m
}

func (s *recordingSink) last() mapping.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tables) == 0 {
		return nil
	}
	return s.tables[len(s.tables)-1]
}

// holderSink applies tables to a mapping.Holder the way a translator does.
type holderSink struct {
	h *mapping.Holder
}

func (s *holderSink) SetMapping(t mapping.Table) error { return s.h.Set(t) }

func (s *holderSink) SetVirtualSubnets(*iptools.SubnetMatcher) {}

type recordingPusher struct {
	added, revoked []mapping.Table
}

func (p *recordingPusher) Push(added, revoked mapping.Table) {
	p.added = append(p.added, added)
	p.revoked = append(p.revoked, revoked)
}

type alwaysBlock struct{ calls int }

func (b *alwaysBlock) BlockShuffling() bool {
	b.calls++
	return true
}

func startController(t *testing.T, cfg Config) (*Controller, context.CancelFunc) {
	t.Helper()
	if cfg.HoppingPeriod == 0 {
		cfg.HoppingPeriod = time.Hour
	}
	c := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, cancel
}

func TestRecalculateDrawsInsideSubnet(t *testing.T) {
	c := New(Config{})
	c.lf = api.LF{hostA: subnetA}

	seen := make(map[netip.Addr]struct{})
	for i := 0; i < 10; i++ {
		c.recalculate()
		require.Len(t, c.hf, 1)
		for v, r := range c.hf {
			assert.Equal(t, hostA, r)
			assert.True(t, subnetA.Contains(v), "%s outside %s", v, subnetA)
			seen[v] = struct{}{}
		}
	}
	assert.Greater(t, len(seen), 1, "virtual address never changed")
}

func TestRecalculateKeepsOldMapping(t *testing.T) {
	c := New(Config{})
	c.lf = api.LF{hostA: subnetA}

	c.recalculate()
	first := c.hf
	c.recalculate()
	assert.Equal(t, first, c.hfOld)
}

func TestRecalculateRedrawsCollisions(t *testing.T) {
	hostB := netip.MustParseAddr("10.0.0.6")
	c := New(Config{})
	c.lf = api.LF{hostA: subnetA, hostB: subnetA}

	taken := netip.MustParseAddr("192.168.1.1")
	free := netip.MustParseAddr("192.168.1.2")
	draws := 0
	c.randomAddr = func(netip.Prefix) (netip.Addr, error) {
		draws++
		if draws < 3 {
			return taken, nil
		}
		return free, nil
	}
	c.recalculate()
	assert.Len(t, c.hf, 2)
	assert.Contains(t, c.hf, taken)
	assert.Contains(t, c.hf, free)
}

func TestRecalculateGivesUpOnFullSubnet(t *testing.T) {
	hostB := netip.MustParseAddr("10.0.0.6")
	single := netip.MustParsePrefix("192.168.9.9/32")
	c := New(Config{})
	c.lf = api.LF{hostA: single, hostB: single}

	c.recalculate()
	assert.Len(t, c.hf, 1)
}

func TestBlockedCycleKeepsMapping(t *testing.T) {
	sink := &recordingSink{}
	blocker := &alwaysBlock{}
	c := New(Config{Sinks: []translator.MappingSink{sink}, Priority: blocker})
	c.lf = api.LF{hostA: subnetA}

	c.cycle()
	assert.Equal(t, 1, blocker.calls)
	assert.Nil(t, c.hf)
	assert.Nil(t, sink.last())
}

func TestSetLfMappingDistributesAndPushes(t *testing.T) {
	sink := &recordingSink{}
	pusher := &recordingPusher{}
	c, _ := startController(t, Config{Sinks: []translator.MappingSink{sink}, Peers: pusher, Priority: &alwaysBlock{}})

	require.NoError(t, c.SetLfMapping(context.Background(), api.LF{hostA: subnetA}))

	table := sink.last()
	require.Len(t, table, 1)
	for v, r := range table {
		assert.True(t, subnetA.Contains(v))
		assert.Equal(t, hostA, r)
	}
	require.Len(t, pusher.added, 1)
	assert.Equal(t, table, pusher.added[0])
}

func TestAddThenRevokePeerMapping(t *testing.T) {
	sink := &recordingSink{}
	pusher := &recordingPusher{}
	c, _ := startController(t, Config{Sinks: []translator.MappingSink{sink}, Peers: pusher})
	ctx := context.Background()

	entry := mapping.Table{netip.MustParseAddr("192.168.1.7"): hostA}
	require.NoError(t, c.AddHfMapping(ctx, entry))
	assert.Equal(t, entry, sink.last())

	_, peers, err := c.Mappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, entry, peers)

	require.NoError(t, c.RevokeHfMapping(ctx, entry))
	assert.Empty(t, sink.last())

	_, peers, err = c.Mappings(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)

	// the initial cycle is the only push, peer deltas are never echoed
	assert.Len(t, pusher.added, 1)
}

func TestPeerEntriesWinConflicts(t *testing.T) {
	c := New(Config{})
	sink := &recordingSink{}
	c.cfg.Sinks = []translator.MappingSink{sink}

	v := netip.MustParseAddr("192.168.1.7")
	c.hf = mapping.Table{v: hostA}
	c.other = mapping.Table{v: netip.MustParseAddr("10.9.9.9")}
	c.distribute(false)
	assert.Equal(t, netip.MustParseAddr("10.9.9.9"), sink.last()[v])
}

func TestMissedRevokeKeepsMappingApplied(t *testing.T) {
	in := &holderSink{h: mapping.NewHolder(comm.Inbound)}
	out := &holderSink{h: mapping.NewHolder(comm.Outbound)}
	c, _ := startController(t, Config{Sinks: []translator.MappingSink{in, out}})
	ctx := context.Background()

	peerHost := netip.MustParseAddr("10.9.0.1")
	first := netip.MustParseAddr("172.16.0.1")
	next := netip.MustParseAddr("172.16.0.3")

	require.NoError(t, c.AddHfMapping(ctx, mapping.Table{first: peerHost}))
	// the revoke of first never arrives, only an unrelated one does
	require.NoError(t, c.RevokeHfMapping(ctx, mapping.Table{netip.MustParseAddr("172.16.0.2"): peerHost}))
	require.NoError(t, c.AddHfMapping(ctx, mapping.Table{next: peerHost}))

	_, peers, err := c.Mappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, mapping.Table{next: peerHost}, peers)

	require.NoError(t, c.SetLfMapping(ctx, api.LF{hostA: subnetA}))

	v, ok := out.h.Get(hostA)
	require.True(t, ok, "local host missing from the outbound table")
	assert.True(t, subnetA.Contains(v))
	r, ok := in.h.Get(v)
	require.True(t, ok)
	assert.Equal(t, hostA, r)

	v, ok = out.h.Get(peerHost)
	require.True(t, ok)
	assert.Equal(t, next, v)
	_, ok = in.h.Get(first)
	assert.False(t, ok)
}

func TestPeerEntryForLocalHostSkipped(t *testing.T) {
	c := New(Config{})
	out := &holderSink{h: mapping.NewHolder(comm.Outbound)}
	c.cfg.Sinks = []translator.MappingSink{out}

	local := netip.MustParseAddr("192.168.1.7")
	c.hf = mapping.Table{local: hostA}
	c.other = mapping.Table{
		netip.MustParseAddr("192.168.1.8"): hostA,
		netip.MustParseAddr("192.168.1.9"): hostA,
	}
	c.distribute(false)

	assert.Equal(t, mapping.Table{hostA: local}, out.h.Snapshot())
}

func TestClashingPeerEntriesResolvedInOrder(t *testing.T) {
	c := New(Config{})
	out := &holderSink{h: mapping.NewHolder(comm.Outbound)}
	c.cfg.Sinks = []translator.MappingSink{out}

	peerHost := netip.MustParseAddr("10.9.0.1")
	low := netip.MustParseAddr("172.16.0.1")
	c.other = mapping.Table{
		netip.MustParseAddr("172.16.0.9"): peerHost,
		low:                               peerHost,
	}
	for i := 0; i < 5; i++ {
		c.distribute(false)
		v, ok := out.h.Get(peerHost)
		require.True(t, ok)
		assert.Equal(t, low, v)
	}
}

func TestSetVirtualSubnets(t *testing.T) {
	sink := &recordingSink{}
	c, _ := startController(t, Config{Sinks: []translator.MappingSink{sink}})

	require.NoError(t, c.SetVirtualSubnets(context.Background(), []netip.Prefix{subnetA}))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotNil(t, sink.subnets)
	assert.True(t, sink.subnets.Contains(netip.MustParseAddr("192.168.1.200")))
}

func TestCallsAfterStop(t *testing.T) {
	c, cancel := startController(t, Config{})
	cancel()
	<-c.stopped
	assert.ErrorIs(t, c.AddHfMapping(context.Background(), mapping.Table{}), ErrStopped)
}
