// Package router keeps the kernel routes of the moving target network in
// line with the LF mapping: every assigned subnet is routed via the gateway
// serving its host, virtual subnets fall back to the honeypot gateway.
package router

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "router")

// Routes maps a destination prefix to its next hop.
type Routes map[netip.Prefix]netip.Addr

// Installer changes routes of a routing table.
type Installer interface {
	Replace(dst netip.Prefix, gw netip.Addr) error
	Delete(dst netip.Prefix, gw netip.Addr) error
}

type Config struct {
	// HoneypotGateways are tried in order, the first one of the subnet's
	// family wins.
	HoneypotGateways []netip.Addr
	VirtualSubnets   []netip.Prefix
	// GatewayMapping maps a host subnet to the gateway serving it.
	GatewayMapping map[netip.Prefix]netip.Addr
}

type Router struct {
	cfg       Config
	gateways  []netip.Prefix
	installer Installer

	mu        sync.Mutex
	installed Routes
}

func New(cfg Config, installer Installer) *Router {
	gateways := make([]netip.Prefix, 0, len(cfg.GatewayMapping))
	for p := range cfg.GatewayMapping {
		gateways = append(gateways, p)
	}
	// most specific first
	sort.Slice(gateways, func(i, j int) bool {
		if gateways[i].Bits() != gateways[j].Bits() {
			return gateways[i].Bits() > gateways[j].Bits()
		}
		return gateways[i].Addr().Less(gateways[j].Addr())
	})
	return &Router{cfg: cfg, gateways: gateways, installer: installer, installed: make(Routes)}
}

func (r *Router) honeypotRoutes() Routes {
	routes := make(Routes, len(r.cfg.VirtualSubnets))
	for _, subnet := range r.cfg.VirtualSubnets {
		for _, gw := range r.cfg.HoneypotGateways {
			if gw.Is4() == subnet.Addr().Is4() {
				routes[subnet] = gw
				break
			}
		}
	}
	return routes
}

func (r *Router) gatewayFor(host netip.Addr) (netip.Addr, bool) {
	for _, p := range r.gateways {
		if p.Contains(host) {
			return r.cfg.GatewayMapping[p], true
		}
	}
	return netip.Addr{}, false
}

// Plan computes the routes for an assignment of subnets to hosts.
func (r *Router) Plan(assigned map[netip.Prefix]netip.Addr) Routes {
	routes := r.honeypotRoutes()
	for subnet, host := range assigned {
		gw, ok := r.gatewayFor(host)
		if !ok {
			log.WithFields(logrus.Fields{
				logging.Subnet: subnet,
				logging.Addr:   host,
			}).Error("No gateway found for host")
			continue
		}
		routes[subnet] = gw
	}
	return routes
}

// Apply installs the planned routes and removes the ones installed
// earlier that are no longer wanted. Failed deletions are retried on the
// next call.
func (r *Router) Apply(assigned map[netip.Prefix]netip.Addr) error {
	want := r.Plan(assigned)

	r.mu.Lock()
	defer r.mu.Unlock()

	var failed int
	for dst, gw := range r.installed {
		if next, ok := want[dst]; ok && next == gw {
			continue
		}
		if err := r.installer.Delete(dst, gw); err != nil {
			failed++
			log.WithError(err).WithField(logging.Subnet, dst).Warning("Cannot delete route")
			continue
		}
		log.WithField(logging.Subnet, dst).Debug("Deleted route")
		delete(r.installed, dst)
	}
	for dst, gw := range want {
		if err := r.installer.Replace(dst, gw); err != nil {
			failed++
			log.WithError(err).WithFields(logrus.Fields{
				logging.Subnet: dst,
				"gateway":      gw,
			}).Warning("Cannot install route")
			continue
		}
		r.installed[dst] = gw
	}
	if failed > 0 {
		return errors.Errorf("%d route operations failed", failed)
	}
	return nil
}

// Installed returns a copy of the routes currently installed.
func (r *Router) Installed() Routes {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := make(Routes, len(r.installed))
	for k, v := range r.installed {
		c[k] = v
	}
	return c
}
