package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/config"
	"github.com/dosgo/goMtdGate/forward"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "main")

// exitPermission is returned when the packet queues cannot be bound.
const exitPermission = 77

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "goMtdGate",
		Short:         "Moving target defense gateway and controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "gateway",
			Short: "Shuffle addresses and hop ports of the traffic crossing this host",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runGateway(cmd.Context(), config.NewLoader(configPath))
			},
		},
		&cobra.Command{
			Use:   "controller",
			Short: "Assign host subnets and push them to the gateways",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runController(cmd.Context(), config.NewLoader(configPath))
			},
		},
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	log.WithError(err).Error("Exiting")
	if errors.Is(err, forward.ErrPermission) {
		os.Exit(exitPermission)
	}
	os.Exit(1)
}
