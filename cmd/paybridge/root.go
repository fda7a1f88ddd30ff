package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/paybridge/internal/runtime/config"
	loggingpkg "github.com/drblury/paybridge/internal/runtime/logging"
)

// Version is set at build time.
var Version = "dev"

// loadConfig is replaced in tests.
var loadConfig = configpkg.Load

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "paybridge",
		Short:         "Relay payment requests between an event bus and the payments API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.AddCommand(newServeCmd(), newSendCmd(), newMethodsCmd())
	return root
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func loadEnvironment(environment string, stderr io.Writer) (*configpkg.Config, loggingpkg.ServiceLogger, error) {
	conf, err := loadConfig(environment)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config for %q: %w", environment, err)
	}
	return conf, loggingpkg.NewTextServiceLogger(stderr, conf.LogLevel), nil
}
