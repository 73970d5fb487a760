package tracker

import (
	"strings"
	"sync"

	"github.com/dosgo/goMtdGate/comm"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/sirupsen/logrus"
)

// ActivePorter reports the destination ports of live flows.
type ActivePorter interface {
	ActivePorts() []uint16
}

type PriorityConfig struct {
	// ContinueAll lets every tracked flow continue and never blocks.
	ContinueAll bool
	// Continue lists ports whose tracked flows survive a reshuffle.
	Continue []uint16
	// Priority labels ports, PriorityDef gives each label a block weight.
	Priority    map[uint16]string
	PriorityDef map[string]int
}

// DynamicPortPriority decides whether tracked flows may keep their old
// address and whether the next address reshuffle should be skipped. A
// flow on a port of weight w postpones at most w consecutive reshuffles.
type DynamicPortPriority struct {
	continueAll  bool
	continueList *comm.PortBitmap
	priority     map[uint16]string
	weights      map[string]int
	ports        ActivePorter

	mu           sync.Mutex
	blockedCount int
}

func NewDynamicPortPriority(cfg PriorityConfig, ports ActivePorter) *DynamicPortPriority {
	d := &DynamicPortPriority{
		continueAll:  cfg.ContinueAll,
		continueList: comm.NewPortBitmap(cfg.Continue...),
		priority:     make(map[uint16]string, len(cfg.Priority)),
		weights:      make(map[string]int, len(cfg.PriorityDef)),
		ports:        ports,
	}
	for port, label := range cfg.Priority {
		d.priority[port] = strings.ToLower(label)
	}
	for label, w := range cfg.PriorityDef {
		d.weights[strings.ToLower(label)] = w
	}
	return d
}

// AllowContinue reports whether a tracked flow to port may keep using the
// address it was established with. A nil policy allows everything.
func (d *DynamicPortPriority) AllowContinue(port uint16) bool {
	if d == nil || d.continueAll {
		return true
	}
	return d.continueList.Has(port)
}

// BlockShuffling is asked once per hopping period. It returns true while
// the blocked count is below the highest weight among active ports and
// resets the count once a reshuffle is let through.
func (d *DynamicPortPriority) BlockShuffling() bool {
	if d == nil || d.continueAll {
		return false
	}

	threshold := 0
	for _, port := range d.ports.ActivePorts() {
		label, ok := d.priority[port]
		if !ok {
			log.WithField(logging.Port, port).Debug("No priority for port")
			continue
		}
		w, ok := d.weights[label]
		if !ok {
			log.WithField(logging.Priority, label).Error("No priority definition")
			continue
		}
		if w > threshold {
			threshold = w
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	block := d.blockedCount < threshold
	if block {
		d.blockedCount++
	} else {
		d.blockedCount = 0
	}
	log.WithFields(logrus.Fields{
		"threshold":   threshold,
		logging.Count: d.blockedCount,
		"block":       block,
	}).Debug("Shuffle decision")
	return block
}

func (d *DynamicPortPriority) BlockedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blockedCount
}
