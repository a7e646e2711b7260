package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/socketcan"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

// SocketCAN bridges bus to the Linux CAN interface iface. The RX loop runs
// on wg until ctx ends; the returned func closes the bridge.
func SocketCAN(ctx context.Context, bus Bus, iface string, txQueue int, wg *sync.WaitGroup) (*Link, func(), error) {
	dev, err := openSocketCANDevice(iface)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", iface, err)
	}
	if txQueue <= 0 {
		txQueue = DefaultTxQueue
	}
	l := logging.L().With("bridge", "socketcan", "bus", bus.Name())
	l.Info("socketcan_open", "if", iface)
	w := socketcan.NewTXWriter(ctx, dev, txQueue)
	link := attach(bus, w, "socketcan")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("socketcan_rx_end")
		wait := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("socketcan_read_error", "error", err, "backoff", wait)
				sleepFn(wait)
				wait = backoff(wait)
				continue
			}
			metrics.IncSocketCANRx()
			link.inject(fr)
			wait = rxBackoffMin
		}
	}()
	return link, func() { link.detach(); _ = dev.Close(); w.Close() }, nil
}
