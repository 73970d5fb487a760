// Package mapping holds the address table a translator works against and
// hands out consistent snapshots of it to concurrent packet workers.
package mapping

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/dosgo/goMtdGate/comm"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishalkuo/bimap"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "mapping")

// ErrDuplicateValue is returned when a table maps two keys to the same
// value and therefore cannot be inverted.
var ErrDuplicateValue = errors.New("mapping value is not unique")

// Table maps one address to another, virtual to real for HF tables.
type Table map[netip.Addr]netip.Addr

func (t Table) Clone() Table {
	c := make(Table, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

// Merge copies every entry of o into t, overwriting existing keys.
func (t Table) Merge(o Table) {
	for k, v := range o {
		t[k] = v
	}
}

// ParseTable converts a wire table of address strings.
func ParseTable(raw map[string]string) (Table, error) {
	t := make(Table, len(raw))
	for k, v := range raw {
		ka, err := netip.ParseAddr(k)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid mapping key %q", k)
		}
		va, err := netip.ParseAddr(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid mapping value %q", v)
		}
		t[ka.Unmap()] = va.Unmap()
	}
	return t, nil
}

func (t Table) Strings() map[string]string {
	if t == nil {
		return nil
	}
	raw := make(map[string]string, len(t))
	for k, v := range t {
		raw[k.String()] = v.String()
	}
	return raw
}

// Observer is told about every table a Holder accepts.
type Observer func(Table)

type view struct {
	bm *bimap.BiMap[netip.Addr, netip.Addr]
}

// Holder stores the active table for one translator. An inbound holder
// answers lookups with the table as given, an outbound holder with its
// inversion. The inversion is built when the table is set, not per packet.
type Holder struct {
	dir     comm.Direction
	current atomic.Pointer[view]

	mu        sync.Mutex
	observers []Observer
}

func NewHolder(dir comm.Direction) *Holder {
	return &Holder{dir: dir}
}

func (h *Holder) Direction() comm.Direction {
	return h.dir
}

// Subscribe registers fn to be called after every successful Set.
func (h *Holder) Subscribe(fn Observer) {
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

// Set replaces the table. Readers see either the old or the new table,
// never a mix. An outbound holder looks values up, so there a table with
// duplicate values is rejected and the previous table stays active.
func (h *Holder) Set(t Table) error {
	bm := bimap.NewBiMap[netip.Addr, netip.Addr]()
	for k, v := range t {
		if h.dir == comm.Outbound && bm.ExistsInverse(v) {
			return errors.Wrapf(ErrDuplicateValue, "%s", v)
		}
		bm.Insert(k, v)
	}
	bm.MakeImmutable()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Store(&view{bm: bm})
	log.WithFields(logrus.Fields{
		logging.Direction: h.dir,
		logging.Count:     len(t),
	}).Debug("Mapping replaced")

	for _, fn := range h.observers {
		fn(t)
	}
	return nil
}

// Get looks addr up in the direction-appropriate view.
func (h *Holder) Get(addr netip.Addr) (netip.Addr, bool) {
	v := h.current.Load()
	if v == nil {
		return netip.Addr{}, false
	}
	if h.dir == comm.Inbound {
		return v.bm.Get(addr)
	}
	return v.bm.GetInverse(addr)
}

// Snapshot returns a copy of the direction-appropriate view.
func (h *Holder) Snapshot() Table {
	v := h.current.Load()
	if v == nil {
		return nil
	}
	var m map[netip.Addr]netip.Addr
	if h.dir == comm.Inbound {
		m = v.bm.GetForwardMap()
	} else {
		m = v.bm.GetInverseMap()
	}
	return Table(m).Clone()
}

// Loaded reports whether any table has been set yet.
func (h *Holder) Loaded() bool {
	return h.current.Load() != nil
}
