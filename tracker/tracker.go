// Package tracker follows TCP flows across address reshuffles so an
// established connection keeps the real address it was opened with.
package tracker

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/dosgo/goMtdGate/comm"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/comm/mapping"
	"github.com/dosgo/goMtdGate/comm/packet"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "tracker")

const (
	DefaultCapacity = 1000
	DefaultBacklog  = 4096
)

// FlowKey identifies a flow as seen on the public side of the gateway:
// the remote client and the virtual destination it talks to.
type FlowKey struct {
	Src     netip.Addr
	SrcPort uint16
	Dst     netip.Addr
	DstPort uint16
}

func (k FlowKey) fields() logrus.Fields {
	return logrus.Fields{
		logging.Src:     k.Src,
		logging.SrcPort: k.SrcPort,
		logging.Dst:     k.Dst,
		logging.DstPort: k.DstPort,
	}
}

// Entry is the state kept for one flow.
type Entry struct {
	FinObserved bool
	RealAddr    netip.Addr
	// Enforced flows are honoured even when port priority would not let
	// them continue.
	Enforced bool
}

// reverseKey is what an outbound reply exposes of a tracked flow.
type reverseKey struct {
	client     netip.Addr
	clientPort uint16
	port       uint16
	realAddr   netip.Addr
}

type job struct {
	seg packet.Segment
	dir comm.Direction
}

// Tracker is a bounded, recency ordered flow table. Lookups run under a
// read lock; inserts, promotions, deletes and evictions take the write
// lock.
type Tracker struct {
	mu      sync.RWMutex
	buf     *simplelru.LRU[FlowKey, *Entry]
	reverse map[reverseKey]map[FlowKey]struct{}

	mapping atomic.Pointer[mapping.Table]
	jobs    chan job
	dropped atomic.Uint64
}

func New(capacity, backlog int) (*Tracker, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	t := &Tracker{
		reverse: make(map[reverseKey]map[FlowKey]struct{}),
		jobs:    make(chan job, backlog),
	}
	buf, err := simplelru.NewLRU[FlowKey, *Entry](capacity, t.unindex)
	if err != nil {
		return nil, errors.Wrap(err, "creating connection buffer")
	}
	t.buf = buf
	return t, nil
}

func revKey(k FlowKey, e *Entry) reverseKey {
	return reverseKey{client: k.Src, clientPort: k.SrcPort, port: k.DstPort, realAddr: e.RealAddr}
}

// index and unindex are called with mu held for writing. unindex doubles
// as the eviction callback, so removed and evicted flows both leave the
// reverse index.
func (t *Tracker) index(k FlowKey, e *Entry) {
	rk := revKey(k, e)
	set, ok := t.reverse[rk]
	if !ok {
		set = make(map[FlowKey]struct{}, 1)
		t.reverse[rk] = set
	}
	set[k] = struct{}{}
}

func (t *Tracker) unindex(k FlowKey, e *Entry) {
	rk := revKey(k, e)
	if set, ok := t.reverse[rk]; ok {
		delete(set, k)
		if len(set) == 0 {
			delete(t.reverse, rk)
		}
	}
}

func (t *Tracker) insert(k FlowKey, e *Entry) {
	if old, ok := t.buf.Peek(k); ok {
		t.unindex(k, old)
	}
	t.index(k, e)
	if t.buf.Add(k, e) {
		log.Debug("Evicted oldest connection from buffer")
	}
}

// SetMapping replaces the table consulted when a new SYN needs a real
// destination.
func (t *Tracker) SetMapping(tbl mapping.Table) {
	t.mapping.Store(&tbl)
}

func (t *Tracker) lookupMapping(a netip.Addr) (netip.Addr, bool) {
	tbl := t.mapping.Load()
	if tbl == nil {
		return netip.Addr{}, false
	}
	r, ok := (*tbl)[a]
	return r, ok
}

func keyFor(seg packet.Segment, dir comm.Direction) FlowKey {
	if dir == comm.Inbound {
		return FlowKey{Src: seg.Src, SrcPort: seg.SrcPort, Dst: seg.Dst, DstPort: seg.DstPort}
	}
	return FlowKey{Src: seg.Dst, SrcPort: seg.DstPort, Dst: seg.Src, DstPort: seg.SrcPort}
}

// TrackConnection updates the table from one observed segment. SYN opens a
// flow, FIN marks it and the ACK after the FIN closes it. Non TCP segments
// are ignored.
func (t *Tracker) TrackConnection(seg packet.Segment, dir comm.Direction) {
	if !seg.TCP {
		return
	}
	k := keyFor(seg, dir)

	switch {
	case seg.SYN:
		t.mu.RLock()
		known := t.buf.Contains(k)
		t.mu.RUnlock()
		if known {
			return
		}
		realAddr, ok := t.lookupMapping(seg.Dst)
		if !ok {
			log.WithFields(k.fields()).Debug("No real address for new connection")
			return
		}
		t.mu.Lock()
		if !t.buf.Contains(k) {
			t.insert(k, &Entry{RealAddr: realAddr})
			log.WithFields(k.fields()).WithField(logging.Addr, realAddr).Debug("Tracking new connection")
		}
		t.mu.Unlock()

	case seg.FIN:
		t.mu.Lock()
		if e, ok := t.buf.Peek(k); ok {
			e.FinObserved = true
		}
		t.mu.Unlock()

	case seg.ACK:
		t.mu.RLock()
		e, ok := t.buf.Peek(k)
		closing := ok && e.FinObserved
		t.mu.RUnlock()
		if !closing {
			return
		}
		t.mu.Lock()
		if e, ok := t.buf.Peek(k); ok && e.FinObserved {
			t.buf.Remove(k)
			log.WithFields(k.fields()).Debug("Last ACK, connection removed")
		}
		t.mu.Unlock()
	}
}

// AddConnection registers a flow created elsewhere, such as a honeypot
// diversion, without waiting for its SYN.
func (t *Tracker) AddConnection(src netip.Addr, srcPort uint16, virtualDst netip.Addr, dstPort uint16, realDst netip.Addr, enforce bool) {
	k := FlowKey{Src: src, SrcPort: srcPort, Dst: virtualDst, DstPort: dstPort}
	t.mu.Lock()
	t.insert(k, &Entry{RealAddr: realDst, Enforced: enforce})
	t.mu.Unlock()
	log.WithFields(k.fields()).WithField(logging.Addr, realDst).Debug("Added external connection")
}

// CheckBuffer finds the tracked flow a packet belongs to. For inbound
// packets it returns the real destination of the flow. For outbound
// packets, which mirror the stored key, it returns the virtual address the
// flow was opened against. The matched flow becomes the most recent one.
func (t *Tracker) CheckBuffer(seg packet.Segment, dir comm.Direction) (addr netip.Addr, enforced, found bool) {
	if !seg.TCP {
		return netip.Addr{}, false, false
	}
	if dir == comm.Inbound {
		k := keyFor(seg, dir)
		t.mu.RLock()
		e, ok := t.buf.Peek(k)
		t.mu.RUnlock()
		if !ok {
			return netip.Addr{}, false, false
		}
		t.mu.Lock()
		if promoted, ok := t.buf.Get(k); ok {
			e = promoted
		}
		t.mu.Unlock()
		return e.RealAddr, e.Enforced, true
	}

	rk := reverseKey{client: seg.Dst, clientPort: seg.DstPort, port: seg.SrcPort, realAddr: seg.Src}
	t.mu.RLock()
	match, e, ok := t.newestLocked(rk)
	t.mu.RUnlock()
	if !ok {
		return netip.Addr{}, false, false
	}
	t.mu.Lock()
	// the flow may have closed since the read lock was released
	if t.buf.Contains(match) {
		t.buf.Get(match)
	}
	t.mu.Unlock()
	return match.Dst, e.Enforced, true
}

// newestLocked picks the most recently used flow among those sharing the
// reverse key.
func (t *Tracker) newestLocked(rk reverseKey) (FlowKey, *Entry, bool) {
	set := t.reverse[rk]
	switch len(set) {
	case 0:
		return FlowKey{}, nil, false
	case 1:
		for k := range set {
			e, ok := t.buf.Peek(k)
			return k, e, ok
		}
	}
	keys := t.buf.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		if _, ok := set[keys[i]]; ok {
			e, ok := t.buf.Peek(keys[i])
			return keys[i], e, ok
		}
	}
	return FlowKey{}, nil, false
}

// ActivePorts lists the distinct destination ports of tracked flows.
func (t *Tracker) ActivePorts() []uint16 {
	seen := comm.NewPortBitmap()
	t.mu.RLock()
	for _, k := range t.buf.Keys() {
		seen.Set(k.DstPort)
	}
	t.mu.RUnlock()
	return seen.Ports()
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buf.Len()
}

// Lookup returns a copy of the entry for k without touching its recency.
func (t *Tracker) Lookup(k FlowKey) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.buf.Peek(k)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Keys lists tracked flows from least to most recently used.
func (t *Tracker) Keys() []FlowKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buf.Keys()
}

// Submit queues a segment for asynchronous tracking. It never blocks and
// returns false when the backlog is full.
func (t *Tracker) Submit(seg packet.Segment, dir comm.Direction) bool {
	select {
	case t.jobs <- job{seg: seg, dir: dir}:
		return true
	default:
		t.dropped.Add(1)
		return false
	}
}

// Dropped counts segments rejected by Submit.
func (t *Tracker) Dropped() uint64 {
	return t.dropped.Load()
}

// Run drains the tracking backlog until ctx is done. A single consumer
// keeps the segments of one flow in arrival order.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-t.jobs:
			t.TrackConnection(j.seg, j.dir)
		}
	}
}
