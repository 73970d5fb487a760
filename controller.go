package main

import (
	"context"

	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/config"
	"github.com/dosgo/goMtdGate/mtc"
	"github.com/dosgo/goMtdGate/router"
)

func runController(ctx context.Context, loader *config.Loader) error {
	cfg, err := loader.Controller()
	if err != nil {
		return err
	}
	logging.SetupLogging(logging.Options{Debug: cfg.DebugOutput, FileLogging: cfg.FileLogging})

	var routes mtc.Applier
	if cfg.InstallRoutes {
		routes = router.New(router.Config{
			HoneypotGateways: cfg.HoneypotGateways,
			VirtualSubnets:   cfg.VirtualSubnets,
			GatewayMapping:   cfg.GatewayMapping,
		}, router.NetlinkInstaller{})
	}

	c := mtc.New(mtc.Config{
		HostsV4:        cfg.HostsV4,
		HostsV6:        cfg.HostsV6,
		SubnetsV4:      cfg.SubnetsV4,
		SubnetsV6:      cfg.SubnetsV6,
		VirtualSubnets: cfg.VirtualSubnets,
		Gateways:       cfg.URLs,
		HoppingPeriod:  cfg.HoppingPeriod,
		SlidingWindow:  cfg.SlidingWindow,
	}, routes)
	return c.Run(ctx)
}
