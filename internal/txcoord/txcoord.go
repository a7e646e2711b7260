// Package txcoord admits send batches into an interface's transmitter as a
// unit: every frame of a batch is validated first, then all frames are queued
// or none are.
package txcoord

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/transport"
	"github.com/kstaniek/go-vbus-driver/pkg/status"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

// DefaultDepth is the transmitter buffer size in frames.
const DefaultDepth = 256

// ErrEmptyBatch is wrapped in the InvalidFrame status for a batch without frames.
var ErrEmptyBatch = errors.New("txcoord: empty batch")

// Publish puts one encoded frame on the bus. It runs on the transmitter
// goroutine; errors are logged, never returned to the sender.
type Publish func(frame []byte) error

// Coordinator validates and admits batches for one interface.
type Coordinator struct {
	name   string
	format wire.Format
	limits wire.Limits
	tx     *transport.AsyncTx[[]byte]
}

type config struct {
	ctx   context.Context
	depth int
}

type Option func(*config)

// WithDepth sets the transmitter buffer size in frames.
func WithDepth(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.depth = n
		}
	}
}

// WithContext ties the transmitter goroutine to ctx.
func WithContext(ctx context.Context) Option { return func(c *config) { c.ctx = ctx } }

// New starts the transmitter for an interface of format f bounded by lim.
func New(name string, f wire.Format, lim wire.Limits, publish Publish, opts ...Option) *Coordinator {
	cfg := config{ctx: context.Background(), depth: DefaultDepth}
	for _, o := range opts {
		o(&cfg)
	}
	c := &Coordinator{name: name, format: f, limits: lim}
	c.tx = transport.NewAsyncTx(cfg.ctx, cfg.depth, func(fr []byte) error { return publish(fr) }, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrBusPublish)
			logging.L().Warn("bus_publish_error", "interface", name, "error", err)
		},
		OnDrop: func() error {
			return status.Errorf(status.TxBufferOverflow, "send", "transmitter of %s full", name)
		},
	})
	return c
}

// Submit validates batch and queues all of its frames, or rejects the whole
// batch with InvalidFrame or TxBufferOverflow. It never blocks. Frames of
// bus types that arbitrate by priority are queued most urgent first; the
// relative order of equal priorities is kept.
func (c *Coordinator) Submit(batch []byte) error {
	err := c.submit(batch)
	if err != nil {
		metrics.IncTxRejected()
		logging.L().Debug("tx_batch_rejected", "interface", c.name, "size", len(batch), "error", err)
		return err
	}
	metrics.IncTxAccepted()
	return nil
}

func (c *Coordinator) submit(batch []byte) error {
	owned := bytes.Clone(batch)
	frames, err := c.format.Split(owned)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return status.Wrap(status.InvalidFrame, "send", ErrEmptyBatch)
	}
	for i, fr := range frames {
		if err := c.format.Check(fr, c.limits); err != nil {
			return status.Wrap(status.InvalidFrame, "send", fmt.Errorf("frame %d: %w", i, err))
		}
	}
	if _, reorder := c.format.Priority(frames[0]); reorder && len(frames) > 1 {
		slices.SortStableFunc(frames, func(a, b []byte) int {
			pa, _ := c.format.Priority(a)
			pb, _ := c.format.Priority(b)
			return cmp.Compare(pa, pb)
		})
	}
	if err := c.tx.SendBatch(frames); err != nil {
		if errors.Is(err, transport.ErrAsyncTxClosed) {
			return status.Wrap(status.InvalidHandle, "send", err)
		}
		return err
	}
	return nil
}

// Pending returns the number of admitted frames not yet published.
func (c *Coordinator) Pending() int { return c.tx.Pending() }

// Close stops the transmitter without waiting; admitted frames not yet
// published are discarded. Safe to call from the publish path.
func (c *Coordinator) Close() { c.tx.Stop() }
