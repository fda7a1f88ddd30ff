package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/paybridge/internal/runtime"
	"github.com/drblury/paybridge/internal/runtime/envelope"
	"github.com/drblury/paybridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/paybridge/internal/runtime/logging"
)

func newSendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <environment> <method> <json-payload> [credential]",
		Short: "Publish one request and print its response",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			environment, method, payload := args[0], args[1], args[2]
			var credential string
			if len(args) == 4 {
				credential = args[3]
			}
			if !jsoncodec.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON: %s", payload)
			}

			conf, log, err := loadEnvironment(environment, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := runtimepkg.NewClient(ctx, conf, log, runtimepkg.ClientDependencies{})
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			log.Info("Sending request", loggingpkg.LogFields{
				"method":     method,
				"credential": loggingpkg.MaskSecret(credential),
			})
			resp, err := client.SendAndWait(ctx, method, payload, credential, timeout)
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for the response (default from config)")
	return cmd
}

// printResponse writes the payload to stdout. Error responses are returned as
// errors so the process exits non-zero.
func printResponse(cmd *cobra.Command, resp envelope.Envelope) error {
	if resp.IsError() {
		if msg, ok := envelope.ErrorMessage(resp.Payload); ok {
			return errors.New(msg)
		}
		return errors.New(resp.Payload)
	}
	var pretty any
	if err := jsoncodec.UnmarshalString(resp.Payload, &pretty); err != nil {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), resp.Payload)
		return err
	}
	out, err := jsoncodec.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
