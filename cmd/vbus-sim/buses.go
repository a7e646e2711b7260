package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-vbus-driver/pkg/vbus"
)

var (
	headFmt  = color.New(color.Bold).SprintFunc()
	nameFmt  = color.New(color.FgCyan).SprintFunc()
	typeFmt  = color.New(color.FgYellow).SprintFunc()
	bridgeOn = color.New(color.FgGreen).SprintFunc()
	dimFmt   = color.New(color.Faint).SprintFunc()
)

func newBusesCmd() *cobra.Command {
	var (
		path    string
		listen  string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "buses",
		Short: "List the buses of a topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topo, err := loadTopology(path, listen)
			if err != nil {
				return err
			}
			sim, err := topo.build()
			if err != nil {
				return err
			}
			return listBuses(cmd.OutOrStdout(), sim, topo, verbose)
		},
	}
	cmd.Flags().StringVarP(&path, "topology", "t", "", "YAML topology file (default: one CAN bus)")
	cmd.Flags().StringVar(&listen, "listen", ":20000", "TCP bridge address of the default topology")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the effective parameters of every bus")
	return cmd
}

func listBuses(w io.Writer, sim *vbus.Simulation, topo *topology, verbose bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", headFmt("#"), headFmt("NAME"), headFmt("TYPE"), headFmt("PUSH"), headFmt("BRIDGES"))
	for i, b := range sim.Buses() {
		push := "yes"
		if !b.Callbacks() {
			push = dimFmt("no")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", b.Index(), nameFmt(b.Name()), typeFmt(b.Type()), push, bridgeList(topo.Buses[i].Bridges))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !verbose {
		return nil
	}
	for _, b := range sim.Buses() {
		out, err := yaml.Marshal(b.Params())
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\n%s\n", headFmt(b.Name()))
		for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	return nil
}

func bridgeList(b bridgeSpec) string {
	var parts []string
	if b.TCP != "" {
		parts = append(parts, "tcp "+b.TCP)
	}
	if b.Serial != nil {
		parts = append(parts, "serial "+b.Serial.Device)
	}
	if b.SocketCAN != "" {
		parts = append(parts, "socketcan "+b.SocketCAN)
	}
	if len(parts) == 0 {
		return dimFmt("-")
	}
	return bridgeOn(strings.Join(parts, ", "))
}
