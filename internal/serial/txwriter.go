package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter serializes frames leaving the virtual bus onto the adapter. Only
// classic frames fit the adapter protocol.
type TXWriter struct{ tx *transport.AsyncTx[can.Frame] }

// NewTXWriter starts a writer buffering up to buf frames.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	write := func(fr can.Frame) error {
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: metrics.IncSerialTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{tx: transport.NewAsyncTx(parent, buf, write, hooks)}
}

// SendFrame queues fr; ErrTxOverflow when the buffer is full.
func (w *TXWriter) SendFrame(fr can.Frame) error {
	if fr.FD {
		return ErrUnsupported
	}
	return w.tx.Send(fr)
}

func (w *TXWriter) Close() { w.tx.Close() }
