// Package hfctrl owns the high frequency mapping. It draws a new virtual
// address for every protected host once per hopping period, merges the
// tables pushed by peer gateways and distributes the result to the
// translators.
package hfctrl

import (
	"context"
	"net/netip"
	"sort"
	"time"

	"github.com/dosgo/goMtdGate/api"
	"github.com/dosgo/goMtdGate/comm/iptools"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/comm/mapping"
	"github.com/dosgo/goMtdGate/metrics"
	"github.com/dosgo/goMtdGate/translator"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "hfctrl")

const (
	DefaultHoppingPeriod = 30 * time.Second

	// maxDraws bounds the redraws when a random address is already taken.
	maxDraws = 16
)

var ErrStopped = errors.New("hf controller stopped")

// Blocker postpones a reshuffle, see tracker.DynamicPortPriority.
type Blocker interface {
	BlockShuffling() bool
}

// Pusher forwards local HF changes to peer gateways without blocking.
type Pusher interface {
	Push(added, revoked mapping.Table)
}

// Persister keeps the inputs of the controller across restarts.
type Persister interface {
	SaveLF(lf api.LF) error
	SaveVirtualSubnets(subnets []netip.Prefix) error
}

type Config struct {
	HoppingPeriod time.Duration
	Sinks         []translator.MappingSink
	Priority      Blocker
	Peers         Pusher
	Store         Persister
}

// Controller is an actor: every mutation runs on the goroutine executing
// Run, callers hand closures over cmds.
type Controller struct {
	cfg     Config
	cmds    chan func()
	stopped chan struct{}

	lf    api.LF
	hf    mapping.Table
	hfOld mapping.Table
	other mapping.Table

	randomAddr func(netip.Prefix) (netip.Addr, error)
}

func New(cfg Config) *Controller {
	if cfg.HoppingPeriod <= 0 {
		cfg.HoppingPeriod = DefaultHoppingPeriod
	}
	return &Controller{
		cfg:        cfg,
		cmds:       make(chan func()),
		stopped:    make(chan struct{}),
		other:      make(mapping.Table),
		randomAddr: iptools.RandomAddr,
	}
}

// Run recalculates once, then on every hopping period until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)

	log.WithField("period", c.cfg.HoppingPeriod).Info("Starting HF controller")
	ticker := time.NewTicker(c.cfg.HoppingPeriod)
	defer ticker.Stop()

	c.cycle()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.cmds:
			fn()
		case <-ticker.C:
			c.cycle()
		}
	}
}

// do runs fn on the controller goroutine and waits for it.
func (c *Controller) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

func (c *Controller) SetLfMapping(ctx context.Context, lf api.LF) error {
	return c.do(ctx, func() {
		log.WithField(logging.Count, len(lf)).Info("New LF mapping")
		c.lf = lf
		if c.cfg.Store != nil {
			if err := c.cfg.Store.SaveLF(lf); err != nil {
				log.WithError(err).Warning("Cannot persist LF mapping")
			}
		}
		c.recalculate()
		c.distribute(true)
	})
}

func (c *Controller) AddHfMapping(ctx context.Context, delta mapping.Table) error {
	return c.do(ctx, func() {
		log.WithField(logging.Mapping, delta.Strings()).Debug("Adding peer addresses")
		for v, r := range delta {
			// a new virtual address of a host replaces its previous one
			for old, addr := range c.other {
				if addr == r && old != v {
					delete(c.other, old)
				}
			}
			c.other[v] = r
		}
		c.distribute(false)
	})
}

func (c *Controller) RevokeHfMapping(ctx context.Context, delta mapping.Table) error {
	return c.do(ctx, func() {
		log.WithField(logging.Mapping, delta.Strings()).Debug("Revoking peer addresses")
		for v := range delta {
			delete(c.other, v)
		}
		c.distribute(false)
	})
}

func (c *Controller) SetVirtualSubnets(ctx context.Context, subnets []netip.Prefix) error {
	return c.do(ctx, func() {
		m := iptools.NewSubnetMatcher(subnets...)
		for _, s := range c.cfg.Sinks {
			s.SetVirtualSubnets(m)
		}
		if c.cfg.Store != nil {
			if err := c.cfg.Store.SaveVirtualSubnets(subnets); err != nil {
				log.WithError(err).Warning("Cannot persist virtual subnets")
			}
		}
	})
}

// Mappings returns copies of the local and the peer table.
func (c *Controller) Mappings(ctx context.Context) (local, peers mapping.Table, err error) {
	err = c.do(ctx, func() {
		local = c.hf.Clone()
		peers = c.other.Clone()
	})
	return
}

func (c *Controller) cycle() {
	if c.cfg.Priority != nil && c.cfg.Priority.BlockShuffling() {
		log.Debug("Reshuffle blocked by dynamic port priority")
		metrics.HFShufflesBlocked.Inc()
		return
	}
	c.recalculate()
	c.distribute(true)
}

// recalculate draws a fresh virtual address for every LF entry.
func (c *Controller) recalculate() {
	next := make(mapping.Table, len(c.lf))
	if len(c.lf) == 0 {
		log.Debug("No LF mapping")
	}
	for realAddr, subnet := range c.lf {
		v, err := c.draw(subnet, next)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				logging.Addr:   realAddr,
				logging.Subnet: subnet,
			}).Error("Cannot pick a virtual address")
			continue
		}
		next[v] = realAddr
	}
	c.hfOld = c.hf
	c.hf = next
	metrics.HFRecalculations.Inc()
	log.WithField(logging.Mapping, next.Strings()).Debug("Recalculated HF mapping")
}

func (c *Controller) draw(subnet netip.Prefix, taken mapping.Table) (netip.Addr, error) {
	for i := 0; i < maxDraws; i++ {
		v, err := c.randomAddr(subnet)
		if err != nil {
			return netip.Addr{}, err
		}
		if _, dup := taken[v]; !dup {
			return v, nil
		}
	}
	return netip.Addr{}, errors.Errorf("no free address in %s after %d draws", subnet, maxDraws)
}

// distribute hands the union of the local and the peer table to every
// sink. Peer entries win on a key conflict. A peer entry naming a real
// address already present under another key is skipped, peer keys are
// applied in address order so the outcome does not depend on map order.
func (c *Controller) distribute(push bool) {
	total := c.merged()
	for _, s := range c.cfg.Sinks {
		if err := s.SetMapping(total); err != nil {
			log.WithError(err).Error("Cannot apply HF mapping")
		}
	}
	if push && c.cfg.Peers != nil {
		c.cfg.Peers.Push(c.hf, c.hfOld)
	}
}

func (c *Controller) merged() mapping.Table {
	total := c.hf.Clone()
	owner := make(map[netip.Addr]netip.Addr, len(total)+len(c.other))
	for v, r := range total {
		owner[r] = v
	}

	keys := make([]netip.Addr, 0, len(c.other))
	for v := range c.other {
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	for _, v := range keys {
		r := c.other[v]
		if prev, ok := owner[r]; ok && prev != v {
			log.WithFields(logrus.Fields{
				logging.Addr: r,
				"virtual":    v,
				"kept":       prev,
			}).Warning("Skipping peer entry for an address that is already mapped")
			continue
		}
		if old, ok := total[v]; ok {
			delete(owner, old)
		}
		total[v] = r
		owner[r] = v
	}
	return total
}
