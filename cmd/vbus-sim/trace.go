package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-vbus-driver/pkg/monitor"
	"github.com/kstaniek/go-vbus-driver/pkg/vbus"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

// startTrace logs every frame of every bus through passive monitor taps.
// FlexRay buses are traced per channel.
func startTrace(sim *vbus.Simulation, l *slog.Logger) (func(), error) {
	m := monitor.New(sim)
	sh, err := m.Connect(m.ConnectionInfo())
	if err != nil {
		return nil, err
	}
	stop := func() { _ = m.Disconnect(sh) }
	n, err := m.NumBuses(sh)
	if err != nil {
		stop()
		return nil, err
	}
	for i := uint32(0); i < uint32(n); i++ {
		info, err := m.BusInfo(sh, i)
		if err != nil {
			stop()
			return nil, err
		}
		h, err := m.OpenBus(sh, i)
		if err == nil {
			err = m.RegisterBusCallback(h, traceFunc(l, info), nil)
		}
		if err == nil {
			err = m.StartMonitoring(h)
		}
		if err != nil {
			stop()
			return nil, fmt.Errorf("trace %s: %w", info.Name, err)
		}
	}
	l.Info("trace_started", "views", n)
	return stop, nil
}

func traceFunc(l *slog.Logger, info monitor.BusInfo) monitor.Callback {
	l = l.With("bus", info.Name)
	if info.Type != monitor.CAN {
		return func(data []byte, _ any) {
			l.Info("frame", "len", len(data), "data", fmt.Sprintf("% X", data))
		}
	}
	return func(data []byte, _ any) {
		frames, err := wire.DecodeCAN(data)
		if err != nil {
			l.Warn("frame_undecodable", "len", len(data), "error", err)
			return
		}
		for _, fr := range frames {
			l.Info("frame", "can_id", fmt.Sprintf("0x%X", fr.ArbitrationID()),
				"ext", fr.Extended(), "fd", fr.FD, "data", fmt.Sprintf("% X", fr.Payload()))
		}
	}
}
