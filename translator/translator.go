// Package translator holds the per-layer packet rewriters the pipeline runs:
// address shuffling (NAS), DNS answer rewriting and port hopping.
package translator

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/dosgo/goMtdGate/comm"
	"github.com/dosgo/goMtdGate/comm/iptools"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/comm/mapping"
	"github.com/dosgo/goMtdGate/comm/packet"
	"github.com/google/gopacket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "translator")

// Translator rewrites one layer of a packet. Process returns false when
// the packet must be dropped.
type Translator interface {
	Name() string
	// Layers lists the layer types the translator handles. The pipeline
	// calls Process once if the packet carries any of them.
	Layers() []gopacket.LayerType
	Process(p *packet.Packet) bool
}

// MappingSink receives the tables and virtual subnets distributed by the
// HF controller.
type MappingSink interface {
	SetMapping(mapping.Table) error
	SetVirtualSubnets(*iptools.SubnetMatcher)
}

// ConnectionTracker is the part of the tracker the address translator uses.
type ConnectionTracker interface {
	CheckBuffer(seg packet.Segment, dir comm.Direction) (addr netip.Addr, enforced, found bool)
	AddConnection(src netip.Addr, srcPort uint16, virtualDst netip.Addr, dstPort uint16, realDst netip.Addr, enforce bool)
	SetMapping(mapping.Table)
}

// ContinuePolicy decides whether a tracked flow may keep its old address.
type ContinuePolicy interface {
	AllowContinue(port uint16) bool
}

// mapped is embedded by the translators that follow the HF mapping.
type mapped struct {
	dir      comm.Direction
	table    *mapping.Holder
	vsubnets atomic.Pointer[iptools.SubnetMatcher]
}

func newMapped(dir comm.Direction) mapped {
	return mapped{dir: dir, table: mapping.NewHolder(dir)}
}

func (m *mapped) SetMapping(t mapping.Table) error {
	return m.table.Set(t)
}

func (m *mapped) SetVirtualSubnets(s *iptools.SubnetMatcher) {
	m.vsubnets.Store(s)
}

func (m *mapped) virtualSubnets() *iptools.SubnetMatcher {
	return m.vsubnets.Load()
}

// Mapping exposes the direction-appropriate view of the active table.
func (m *mapped) Mapping() *mapping.Holder {
	return m.table
}

// sometimes throttles per-packet error logs.
var sometimes = rate.Sometimes{First: 10, Interval: 10 * time.Second}

func logPacketError(p *packet.Packet, err error, msg string) {
	sometimes.Do(func() {
		log.WithError(err).WithFields(logrus.Fields{
			logging.Src: p.Src(),
			logging.Dst: p.Dst(),
		}).Warning(msg)
	})
}
