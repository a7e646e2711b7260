package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-vbus-driver/internal/bridge"
	"github.com/kstaniek/go-vbus-driver/internal/hub"
	"github.com/kstaniek/go-vbus-driver/internal/server"
	"github.com/kstaniek/go-vbus-driver/pkg/busconf"
	"github.com/kstaniek/go-vbus-driver/pkg/vbus"
)

// bridges owns every endpoint attached to the simulation.
type bridges struct {
	servers  []*server.Server
	cleanups []func()
}

func hubPolicy(name string) hub.BackpressurePolicy {
	if name == "kick" {
		return hub.PolicyKick
	}
	return hub.PolicyDrop
}

// startBridges attaches the endpoints of topo to sim. TCP bridges start
// listening right away; their errors end ctx through cancel.
func startBridges(ctx context.Context, cancel context.CancelFunc, sim *vbus.Simulation, topo *topology, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*bridges, error) {
	br := &bridges{}
	for _, bs := range topo.Buses {
		bus, ok := sim.Bus(bs.Name)
		if !ok {
			br.close(l)
			return nil, fmt.Errorf("bus %q not in simulation", bs.Name)
		}
		bus.Hub().Policy = hubPolicy(cfg.hubPolicy)
		if bs.Bridges.empty() {
			continue
		}
		fd := false
		if p, ok := bus.Params().(*busconf.CAN); ok {
			fd = p.FastDataEnabled
		}
		if addr := bs.Bridges.TCP; addr != "" {
			srv := server.NewServer(bus,
				server.WithListenAddr(addr),
				server.WithFD(fd),
				server.WithLogger(l),
				server.WithClientBuffer(cfg.clientBuffer),
				server.WithMaxClients(cfg.maxClients),
				server.WithHandshakeTimeout(cfg.handshakeTO),
				server.WithReadDeadline(cfg.clientReadTO),
			)
			go func() {
				if err := srv.Serve(ctx); err != nil {
					l.Error("tcp_server_error", "bus", bus.Name(), "error", err)
					cancel()
				}
			}()
			br.servers = append(br.servers, srv)
		}
		if s := bs.Bridges.Serial; s != nil {
			_, closeFn, err := bridge.Serial(ctx, bus, bridge.SerialConfig{
				Device:      s.Device,
				Baud:        s.Baud,
				ReadTimeout: s.ReadTimeout,
				TxQueue:     bs.Bridges.TxQueue,
			}, wg)
			if err != nil {
				br.close(l)
				return nil, fmt.Errorf("bus %q: %w", bus.Name(), err)
			}
			br.cleanups = append(br.cleanups, closeFn)
		}
		if iface := bs.Bridges.SocketCAN; iface != "" {
			_, closeFn, err := bridge.SocketCAN(ctx, bus, iface, bs.Bridges.TxQueue, wg)
			if err != nil {
				br.close(l)
				return nil, fmt.Errorf("bus %q: %w", bus.Name(), err)
			}
			br.cleanups = append(br.cleanups, closeFn)
		}
	}
	return br, nil
}

// advertise registers every TCP bridge via mDNS once it is listening.
func (br *bridges) advertise(ctx context.Context, sim *vbus.Simulation, cfg *appConfig, l *slog.Logger) {
	for _, srv := range br.servers {
		srv := srv
		go func() {
			select {
			case <-srv.Ready():
			case <-ctx.Done():
				return
			}
			port, err := listenPort(srv.Addr())
			if err != nil {
				l.Warn("mdns_bad_addr", "addr", srv.Addr(), "error", err)
				return
			}
			bus := srv.BusName()
			instance := mdnsInstance(cfg.mdnsName, bus)
			stop, err := startMDNS(ctx, instance, port, mdnsTXT(sim.ID().String(), bus, srv.FD()))
			if err != nil {
				l.Warn("mdns_start_failed", "bus", bus, "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", instance, "port", port)
			go func() { <-ctx.Done(); stop() }()
		}()
	}
}

// listening reports whether every TCP bridge is bound.
func (br *bridges) listening() bool {
	for _, srv := range br.servers {
		select {
		case <-srv.Ready():
		default:
			return false
		}
	}
	return true
}

func (br *bridges) close(l *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, srv := range br.servers {
		if err := srv.Shutdown(ctx); err != nil {
			l.Warn("tcp_shutdown", "bus", srv.BusName(), "error", err)
		}
	}
	for _, fn := range br.cleanups {
		fn()
	}
}
