package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/serial"
)

// openSerialPort is a hook for tests.
var openSerialPort = serial.Open

// SerialConfig selects the adapter of a serial bridge.
type SerialConfig struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
	TxQueue     int
}

// Serial bridges bus to a serial CAN adapter. The RX loop runs on wg until
// ctx ends or the device disappears; the returned func closes the bridge.
func Serial(ctx context.Context, bus Bus, cfg SerialConfig, wg *sync.WaitGroup) (*Link, func(), error) {
	sp, err := openSerialPort(cfg.Device, cfg.Baud, cfg.ReadTimeout)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	if cfg.TxQueue <= 0 {
		cfg.TxQueue = DefaultTxQueue
	}
	l := logging.L().With("bridge", "serial", "bus", bus.Name())
	l.Info("serial_open", "device", cfg.Device, "baud", cfg.Baud)
	codec := serial.Codec{}
	w := serial.NewTXWriter(ctx, sp, codec, cfg.TxQueue)
	link := attach(bus, w, "serial")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, readBufSize)
		acc := bytes.NewBuffer(nil)
		wait := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = codec.DecodeStream(acc, func(fr can.Frame) { link.inject(fr) })
				if acc.Len() == 0 && cap(acc.Bytes()) > reclaimBufBytes {
					acc = bytes.NewBuffer(nil)
				}
				wait = rxBackoffMin
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				l.Error("serial_device_lost", "error", err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout
			}
			metrics.IncError(metrics.ErrSerialRead)
			l.Warn("serial_read_error", "error", err, "backoff", wait)
			sleepFn(wait)
			wait = backoff(wait)
		}
	}()
	return link, func() { link.detach(); _ = sp.Close(); w.Close() }, nil
}
