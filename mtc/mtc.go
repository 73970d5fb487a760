// Package mtc is the moving target controller. It assigns every protected
// host a subnet once per hopping period, tells each gateway the subnets of
// the hosts it serves and keeps the routes pointing at the right gateway.
package mtc

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/dosgo/goMtdGate/api"
	"github.com/dosgo/goMtdGate/comm/iptools"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "mtc")

const DefaultSlidingWindow = 3

var ErrSubnetsExhausted = errors.New("no free subnet left")

// Assignment maps a subnet to the host it currently belongs to.
type Assignment map[netip.Prefix]netip.Addr

func (a Assignment) merge(o Assignment) {
	for k, v := range o {
		a[k] = v
	}
}

// Applier installs the routes for an assignment, see router.Router.
type Applier interface {
	Apply(assigned map[netip.Prefix]netip.Addr) error
}

type Config struct {
	HostsV4, HostsV6     []netip.Addr
	SubnetsV4, SubnetsV6 []netip.Prefix
	VirtualSubnets       []netip.Prefix
	// Gateways maps a gateway mapping URL to the host subnets it serves.
	Gateways      map[string][]netip.Prefix
	HoppingPeriod time.Duration
	// SlidingWindow is the number of previous assignments whose subnets
	// are not handed out again.
	SlidingWindow int
	Timeout       time.Duration
}

type Controller struct {
	cfg    Config
	router Applier
	client *http.Client

	window  []Assignment
	current Assignment

	randomIndex func(n int) (int, error)
}

func New(cfg Config, router Applier) *Controller {
	if cfg.SlidingWindow < 0 {
		cfg.SlidingWindow = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Controller{
		cfg:         cfg,
		router:      router,
		client:      &http.Client{Timeout: cfg.Timeout},
		randomIndex: iptools.RandomIndex,
	}
}

func (c *Controller) Run(ctx context.Context) error {
	log.WithFields(logrus.Fields{
		"period":      c.cfg.HoppingPeriod,
		"window":      c.cfg.SlidingWindow,
		logging.Count: len(c.cfg.Gateways),
	}).Info("Starting moving target controller")

	ticker := time.NewTicker(c.cfg.HoppingPeriod)
	defer ticker.Stop()
	for {
		if err := c.Cycle(ctx); err != nil {
			log.WithError(err).Error("Mapping cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle computes a new assignment, installs the routes and pushes the LF
// mappings. Gateway push failures are logged only.
func (c *Controller) Cycle(ctx context.Context) error {
	combined, err := c.recalculate()
	if err != nil {
		return err
	}
	if c.router != nil {
		if err := c.router.Apply(combined); err != nil {
			log.WithError(err).Warning("Routes not fully applied")
		}
	}

	var g errgroup.Group
	for url, served := range c.cfg.Gateways {
		msg := &api.MappingMessage{
			LF:             c.lfFor(served).Strings(),
			VirtualSubnets: api.SubnetStrings(c.cfg.VirtualSubnets),
		}
		g.Go(func() error {
			scoped := log.WithField(logging.URL, url)
			if err := api.PutMapping(ctx, c.client, url, msg); err != nil {
				scoped.WithError(err).Warning("Cannot push LF mapping")
				return nil
			}
			scoped.WithField(logging.Count, len(msg.LF)).Debug("Pushed LF mapping")
			return nil
		})
	}
	return g.Wait()
}

// recalculate moves the current assignment into the window and draws a new
// one. It returns the window plus the new assignment.
func (c *Controller) recalculate() (Assignment, error) {
	if c.current != nil {
		c.window = append(c.window, c.current)
		if over := len(c.window) - c.cfg.SlidingWindow; over > 0 {
			c.window = c.window[over:]
		}
	}
	used := make(Assignment)
	for _, a := range c.window {
		used.merge(a)
	}

	next := make(Assignment)
	if err := c.assign(next, c.cfg.HostsV4, c.cfg.SubnetsV4, used); err != nil {
		return nil, err
	}
	if err := c.assign(next, c.cfg.HostsV6, c.cfg.SubnetsV6, used); err != nil {
		return nil, err
	}
	c.current = next

	combined := make(Assignment, len(used)+len(next))
	combined.merge(used)
	combined.merge(next)
	return combined, nil
}

// assign draws a random unused subnet for every host.
func (c *Controller) assign(into Assignment, hosts []netip.Addr, subnets []netip.Prefix, used Assignment) error {
	pool := append([]netip.Prefix(nil), subnets...)
	for _, host := range hosts {
		for {
			if len(pool) == 0 {
				return errors.Wrapf(ErrSubnetsExhausted, "assigning %s", host)
			}
			i, err := c.randomIndex(len(pool))
			if err != nil {
				return err
			}
			subnet := pool[i]
			pool = append(pool[:i], pool[i+1:]...)
			_, taken := into[subnet]
			_, recent := used[subnet]
			if !taken && !recent {
				into[subnet] = host
				break
			}
		}
	}
	return nil
}

// lfFor returns host -> subnet of the current assignment for the hosts
// inside served.
func (c *Controller) lfFor(served []netip.Prefix) api.LF {
	matcher := iptools.NewSubnetMatcher(served...)
	lf := make(api.LF)
	for subnet, host := range c.current {
		if matcher.Contains(host) {
			lf[host] = subnet
		}
	}
	return lf
}
