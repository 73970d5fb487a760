package main

import (
	"context"
	"time"

	"github.com/dosgo/goMtdGate/api"
	"github.com/dosgo/goMtdGate/comm"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/config"
	"github.com/dosgo/goMtdGate/forward"
	"github.com/dosgo/goMtdGate/hfctrl"
	"github.com/dosgo/goMtdGate/metrics"
	"github.com/dosgo/goMtdGate/phfunc"
	"github.com/dosgo/goMtdGate/store"
	"github.com/dosgo/goMtdGate/tracker"
	"github.com/dosgo/goMtdGate/translator"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const peerTimeout = 5 * time.Second

// gateway collects the components built from the configuration.
type gateway struct {
	cfg *config.Gateway

	inbound, outbound []forward.Stage
	sinks             []translator.MappingSink
	tracker           *tracker.Tracker
	priority          *tracker.DynamicPortPriority
	ports             []*translator.Port
}

func buildGateway(cfg *config.Gateway) (*gateway, error) {
	gw := &gateway{cfg: cfg}
	local := comm.NewLocalAddrs()

	if cfg.NAS.Activate {
		log.Info("Starting NAS")
		nasCfg := translator.NASConfig{
			Whitelist:  cfg.Whitelist,
			Local:      local,
			Honeypot:   cfg.NAS.Honeypot.Activate,
			HoneypotV4: cfg.NAS.Honeypot.V4,
			HoneypotV6: cfg.NAS.Honeypot.V6,
		}
		if cfg.NAS.Tracking.Activate {
			t, err := tracker.New(cfg.NAS.Tracking.Capacity, cfg.Queue.Backlog)
			if err != nil {
				return nil, err
			}
			if err := metrics.RegisterTrackedConnections(t.Len); err != nil {
				return nil, err
			}
			gw.tracker = t
			gw.priority = tracker.NewDynamicPortPriority(cfg.NAS.Tracking.Priority, t)
			nasCfg.Tracker = t
			nasCfg.Priority = gw.priority
			gw.inbound = append(gw.inbound, forward.Stage{Priority: forward.InboundTrackerPriority, Tracker: t})
			gw.outbound = append(gw.outbound, forward.Stage{Priority: forward.OutboundTrackerPriority, Tracker: t})
		}

		dns := translator.NewDNS(cfg.NAS.DNSTTL)
		inCfg, outCfg := nasCfg, nasCfg
		inCfg.Direction = comm.Inbound
		outCfg.Direction = comm.Outbound
		nasIn := translator.NewNAS(inCfg)
		nasOut := translator.NewNAS(outCfg)

		gw.inbound = append(gw.inbound, forward.Stage{Priority: forward.InboundNASPriority, Translator: nasIn})
		gw.outbound = append(gw.outbound,
			forward.Stage{Priority: forward.OutboundNASPriority, Translator: nasOut},
			forward.Stage{Priority: forward.OutboundDNSPriority, Translator: dns},
		)
		gw.sinks = []translator.MappingSink{dns, nasOut, nasIn}
	}

	if cfg.PH.Activate {
		log.Info("Starting PH")
		hopper, err := phfunc.NewRPAH(cfg.PH.HoppingPeriod, cfg.PH.CacheSize)
		if err != nil {
			return nil, err
		}
		portCfg := translator.PortConfig{
			Client:        cfg.PH.Client,
			Whitelist:     cfg.Whitelist,
			Local:         local,
			ServerSubnets: cfg.PH.ServerSubnets,
			Keys:          cfg.PH.Keymap,
			Hopper:        hopper,
		}
		inCfg, outCfg := portCfg, portCfg
		inCfg.Direction = comm.Inbound
		outCfg.Direction = comm.Outbound
		phIn := translator.NewPort(inCfg)
		phOut := translator.NewPort(outCfg)
		gw.ports = []*translator.Port{phIn, phOut}

		gw.inbound = append(gw.inbound, forward.Stage{Priority: forward.InboundPortPriority, Translator: phIn})
		gw.outbound = append(gw.outbound, forward.Stage{Priority: forward.OutboundPortPriority, Translator: phOut})
	}

	if !cfg.NAS.Activate && !cfg.PH.Activate {
		log.Warning("PH and NAS not activated")
	}
	return gw, nil
}

func (gw *gateway) setKeymap(km translator.Keymap) {
	for _, p := range gw.ports {
		p.SetKeymap(km)
	}
}

func (gw *gateway) startPipeline(ctx context.Context, g *errgroup.Group, dir comm.Direction, num uint16, stages []forward.Stage) error {
	q, err := forward.OpenNfQueue(forward.NfQueueConfig{
		Num:         num,
		MaxQueueLen: gw.cfg.Queue.MaxLen,
		NoENOBUFS:   gw.cfg.Queue.NoENOBUFS,
	})
	if err != nil {
		return err
	}
	pl, err := forward.NewPipeline(forward.Config{
		Direction:     dir,
		Workers:       gw.cfg.Queue.Workers,
		Backlog:       gw.cfg.Queue.Backlog,
		DirectForward: gw.cfg.DebugForward,
	}, q, stages...)
	if err != nil {
		q.Close()
		return err
	}
	g.Go(func() error {
		defer q.Close()
		return pl.Run(ctx)
	})
	return nil
}

// startHF starts the HF controller, its peer client, the control API and
// replays the persisted mapping.
func (gw *gateway) startHF(ctx context.Context, g *errgroup.Group) error {
	peers := hfctrl.NewPeerClient(gw.cfg.NAS.Receivers, peerTimeout)
	hfCfg := hfctrl.Config{
		HoppingPeriod: gw.cfg.NAS.HoppingPeriod,
		Sinks:         gw.sinks,
		Peers:         peers,
	}
	if gw.priority != nil {
		hfCfg.Priority = gw.priority
	}

	var st *store.Store
	if gw.cfg.StateDB != "" {
		var err error
		if st, err = store.Open(gw.cfg.StateDB); err != nil {
			return err
		}
		hfCfg.Store = st
	}

	ctrl := hfctrl.New(hfCfg)
	g.Go(func() error { return peers.Run(ctx) })
	g.Go(func() error {
		if st != nil {
			defer st.Close()
		}
		return ctrl.Run(ctx)
	})
	if st != nil {
		g.Go(func() error {
			restore(ctx, ctrl, st)
			return nil
		})
	}

	srv := api.NewServer(gw.cfg.NAS.RestAddr, ctrl, gw.cfg.Metrics)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	return nil
}

// restore replays the last LF mapping and virtual subnets.
func restore(ctx context.Context, ctrl *hfctrl.Controller, st *store.Store) {
	subnets, ok, err := st.LoadVirtualSubnets()
	if err != nil {
		log.WithError(err).Warning("Cannot restore virtual subnets")
	} else if ok {
		if err := ctrl.SetVirtualSubnets(ctx, subnets); err != nil {
			log.WithError(err).Warning("Cannot restore virtual subnets")
		}
	}

	lf, err := st.LoadLF()
	if err != nil {
		log.WithError(err).Warning("Cannot restore LF mapping")
		return
	}
	if len(lf) == 0 {
		return
	}
	log.WithField(logging.Count, len(lf)).Info("Restoring LF mapping")
	if err := ctrl.SetLfMapping(ctx, lf); err != nil {
		log.WithError(err).Warning("Cannot restore LF mapping")
	}
}

func runGateway(ctx context.Context, loader *config.Loader) error {
	cfg, err := loader.Gateway()
	if err != nil {
		return err
	}
	logging.SetupLogging(logging.Options{Debug: cfg.DebugOutput, FileLogging: cfg.FileLogging})
	log.WithFields(logrus.Fields{
		"nas": cfg.NAS.Activate,
		"ph":  cfg.PH.Activate,
	}).Info("Starting gateway")

	gw, err := buildGateway(cfg)
	if err != nil {
		return err
	}
	if cfg.PH.Activate {
		loader.WatchKeymap(gw.setKeymap)
	}

	if cfg.Queue.InstallRules {
		remove, err := forward.InstallRules(forward.RulesConfig{
			PublicInterface: cfg.Queue.PublicInterface,
			InboundQueue:    cfg.Queue.Inbound,
			OutboundQueue:   cfg.Queue.Outbound,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := remove(); err != nil {
				log.WithError(err).Warning("Cannot remove steering rules")
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	if gw.tracker != nil {
		g.Go(func() error {
			gw.tracker.Run(ctx)
			return nil
		})
	}
	if err := gw.startPipeline(ctx, g, comm.Inbound, cfg.Queue.Inbound, gw.inbound); err != nil {
		return abort(g, err)
	}
	if err := gw.startPipeline(ctx, g, comm.Outbound, cfg.Queue.Outbound, gw.outbound); err != nil {
		return abort(g, err)
	}
	if cfg.NAS.Activate {
		if err := gw.startHF(ctx, g); err != nil {
			return abort(g, err)
		}
	}
	return g.Wait()
}

// abort stops the goroutines started so far and returns err.
func abort(g *errgroup.Group, err error) error {
	g.Go(func() error { return errors.Wrap(err, "starting gateway") })
	if werr := g.Wait(); werr != nil {
		return werr
	}
	return err
}
