package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/transport"
)

var (
	ErrTxOverflow  = errors.New("socketcan tx overflow")
	ErrUnsupported = errors.New("socketcan: frame not supported")
)

// Dev is a raw CAN endpoint: *Device in production, fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// TXWriter serializes frames leaving the virtual bus onto the interface.
type TXWriter struct{ tx *transport.AsyncTx[can.Frame] }

// NewTXWriter starts a writer buffering up to buf frames.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.L().Warn("socketcan_write_error", "error", err)
		},
		OnAfter: metrics.IncSocketCANTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{tx: transport.NewAsyncTx(parent, buf, dev.WriteFrame, hooks)}
}

// SendFrame queues fr; ErrTxOverflow when the buffer is full.
func (w *TXWriter) SendFrame(fr can.Frame) error {
	if fr.FD {
		return ErrUnsupported
	}
	return w.tx.Send(fr)
}

func (w *TXWriter) Close() { w.tx.Close() }
