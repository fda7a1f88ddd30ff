package main

import (
	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/paybridge/internal/runtime"
	loggingpkg "github.com/drblury/paybridge/internal/runtime/logging"
	"github.com/drblury/paybridge/internal/runtime/responder"
)

func newServeCmd() *cobra.Command {
	var logDispatches bool
	cmd := &cobra.Command{
		Use:   "serve <environment>",
		Short: "Run the responder until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := loadEnvironment(args[0], cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			var deps runtimepkg.ServiceDependencies
			if logDispatches {
				deps.Hooks = responder.LoggingHooks(log)
			}
			svc, err := runtimepkg.NewService(ctx, conf, log, deps)
			if err != nil {
				return err
			}
			log.Info("Starting responder", loggingpkg.LogFields{"environment": args[0], "config": conf.String()})
			return svc.Start(ctx)
		},
	}
	cmd.Flags().BoolVar(&logDispatches, "log-dispatches", false, "Log the start and outcome of every dispatch")
	return cmd
}
