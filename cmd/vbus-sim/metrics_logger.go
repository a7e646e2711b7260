package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-vbus-driver/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"bus_frames", snap.BusFrames,
					"sessions", snap.Sessions,
					"rx_queued", snap.RxQueued,
					"rx_dispatched", snap.RxDispatched,
					"rx_overflow", snap.RxOverflow,
					"tx_accepted", snap.TxAccepted,
					"tx_rejected", snap.TxRejected,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"serial_rx", snap.SerialRx,
					"serial_tx", snap.SerialTx,
					"socketcan_rx", snap.SocketCANRx,
					"socketcan_tx", snap.SocketCANTx,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
					"status_errors", snap.StatusErrors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
