package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drblury/paybridge/internal/ecom"
)

func newMethodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List the supported request methods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REQUEST\tRESPONSE\tSTREAMING")
			for _, e := range ecom.Entries(nil) {
				fmt.Fprintf(tw, "%s\t%s\t%t\n", e.RequestMethod, e.ResponseMethod, e.Streaming)
			}
			return tw.Flush()
		},
	}
}
