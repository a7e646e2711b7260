package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-vbus-driver/internal/metrics"
)

func newServeCmd() *cobra.Command {
	cfg := defaultConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation and its bridges until interrupted",
		Long: `Run a virtual bus simulation described by a YAML topology. CAN buses can be
bridged to cannelloni TCP clients, serial CAN adapters and SocketCAN
interfaces. Every flag can also be set through VBUS_SIM_<FLAG> environment
variables; flags given on the command line win.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.resolve(cmd.Flags()); err != nil {
				return err
			}
			cmd.SilenceUsage = true
			l := setupLogger(cfg.logFormat, cfg.logLevel, cmd.ErrOrStderr())
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case s := <-sigCh:
					l.Info("shutdown_signal", "signal", s.String())
					cancel()
				case <-ctx.Done():
				}
			}()
			return serve(ctx, cfg, l)
		},
	}
	cfg.bindFlags(cmd.Flags())
	return cmd
}

// serve runs the simulation until ctx ends.
func serve(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	topo, err := loadTopology(cfg.topology, cfg.listenAddr)
	if err != nil {
		return err
	}
	sim, err := topo.build()
	if err != nil {
		return fmt.Errorf("build simulation: %w", err)
	}
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("simulation_config", "id", sim.ID(), "buses", len(topo.Buses), "hub_policy", cfg.hubPolicy)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.trace {
		stop, err := startTrace(sim, l)
		if err != nil {
			return err
		}
		defer stop()
	}
	br, err := startBridges(ctx, cancel, sim, topo, cfg, l, &wg)
	if err != nil {
		return err
	}
	if cfg.mdnsEnable {
		br.advertise(ctx, sim, cfg, l)
	}

	metrics.SetReadinessFunc(func() bool { return sim.Ready() && br.listening() && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sim.Start()

	<-ctx.Done()
	sim.Stop()
	br.close(l)
	wg.Wait()
	return nil
}
