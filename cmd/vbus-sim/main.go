// Command vbus-sim hosts a virtual bus simulation and bridges its CAN buses
// to TCP clients and physical CAN hardware.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vbus-sim",
		Short:         "Virtual bus simulation host",
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newBusesCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vbus-sim %s (commit %s, built %s)\n", version, commit, date)
		},
	})
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
