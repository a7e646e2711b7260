package driver

import (
	"context"
	"slices"
	"sync"

	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/nbuf"
	"github.com/kstaniek/go-vbus-driver/internal/session"
	"github.com/kstaniek/go-vbus-driver/internal/txcoord"
	"github.com/kstaniek/go-vbus-driver/pkg/busconf"
	"github.com/kstaniek/go-vbus-driver/pkg/status"
	"github.com/kstaniek/go-vbus-driver/pkg/vbus"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

// conn is the state behind one handle.
type conn struct {
	handle Handle
	name   string
	bus    *vbus.Bus
	port   *vbus.Port
	sess   *session.Session
	tx     *txcoord.Coordinator

	mu     sync.Mutex
	params busconf.Params
	blob   []byte
}

func (c *conn) readConfig(buf []byte) (int, error) {
	c.mu.Lock()
	blob := c.blob
	c.mu.Unlock()
	return nbuf.Fill("config", buf, blob)
}

func (c *conn) close() {
	c.port.Detach()
	c.tx.Close()
	c.sess.Close()
}

// base implements Interface for one bus type.
type base struct {
	d   *Driver
	typ wire.BusType
}

func (b base) Type() wire.BusType { return b.typ }

func (b base) Open(ctx context.Context, name string, config []byte) (h Handle, err error) {
	defer b.d.guard("open", &err)
	return b.open(ctx, name, config)
}

func (b base) AutoOpen(ctx context.Context, name string, out []byte) (h Handle, n int, err error) {
	defer b.d.guard("auto_open", &err)
	bus, err := b.resolve(name, "auto_open")
	if err != nil {
		return InvalidHandle, 0, err
	}
	blob := bus.Config()
	// reject a short buffer before anything is opened
	if out != nil && len(out) < len(blob) {
		return InvalidHandle, 0, status.TooSmall("auto_open", uint64(len(blob)))
	}
	h, err = b.open(ctx, name, blob)
	if err != nil {
		return InvalidHandle, 0, err
	}
	n, _ = nbuf.Fill("auto_open", out, blob)
	return h, n, nil
}

func (b base) resolve(name, op string) (*vbus.Bus, error) {
	bus, ok := b.d.sim.Bus(name)
	if !ok {
		return nil, status.Errorf(status.InvalidName, op, "no bus %q", name)
	}
	if bus.Type() != b.typ {
		return nil, status.Errorf(status.InvalidBusType, op, "bus %q is %v, not %v", name, bus.Type(), b.typ)
	}
	return bus, nil
}

func (b base) open(ctx context.Context, name string, config []byte) (Handle, error) {
	if ctx == nil {
		return InvalidHandle, status.New(status.NullPointer, "open")
	}
	bus, err := b.resolve(name, "open")
	if err != nil {
		return InvalidHandle, err
	}
	if len(config) == 0 {
		config = bus.Config()
	}
	params, err := busconf.Decode(b.typ, config)
	if err != nil {
		return InvalidHandle, err
	}
	if err := b.d.sim.WaitReady(ctx); err != nil {
		return InvalidHandle, err
	}

	d := b.d
	c := &conn{name: name, bus: bus, params: params, blob: slices.Clone(config)}
	c.sess = session.New(name,
		session.WithQueueLimit(d.opts.queueLimit),
		session.WithGate(func() bool { return c.port.Monitored() }),
	)
	c.port = bus.Attach(vbus.PortConfig{
		Name:          name,
		Config:        config,
		SelfReception: busconf.SelfReception(params),
		Accept:        acceptFor(params),
		Deliver:       func(f vbus.Frame) { c.sess.Deliver(f.Data) },
	})
	c.tx = txcoord.New(name, bus.Format(), busconf.Limits(params), c.port.Publish,
		txcoord.WithDepth(d.opts.txDepth), txcoord.WithContext(d.opts.ctx))
	h, err := d.reg.Insert(c)
	if err != nil {
		c.close()
		return InvalidHandle, err
	}
	c.handle = h
	metrics.SessionOpened()
	logging.L().Info("session_open", "handle", h, "bus", name, "type", b.typ)
	return h, nil
}

func acceptFor(p busconf.Params) func([]byte) bool {
	eth, ok := p.(*busconf.Ethernet)
	if !ok {
		return nil
	}
	return func(frame []byte) bool { return eth.Accepts(wire.Body(frame)) }
}

func (b base) get(h Handle, op string) (*conn, error) {
	c, err := b.d.lookup(h, op)
	if err != nil {
		return nil, err
	}
	if c.bus.Type() != b.typ {
		return nil, status.Errorf(status.InvalidBusType, op, "handle %d is a %v interface", h, c.bus.Type())
	}
	return c, nil
}

func (b base) Send(h Handle, batch []byte) (err error) {
	defer b.d.guard("send", &err)
	c, err := b.get(h, "send")
	if err != nil {
		return err
	}
	if batch == nil {
		return status.New(status.NullPointer, "send")
	}
	if !b.d.sim.Running() {
		return status.New(status.SimulationNotRunning, "send")
	}
	return c.tx.Submit(batch)
}

func (b base) Receive(h Handle, buf []byte) (n int, err error) {
	defer b.d.guard("receive", &err)
	c, err := b.get(h, "receive")
	if err != nil {
		return 0, err
	}
	return c.sess.Receive(buf)
}

func (b base) RegisterCallback(h Handle, cb ReceiveFunc, user any) (err error) {
	defer b.d.guard("register_callback", &err)
	c, err := b.get(h, "register_callback")
	if err != nil {
		return err
	}
	if !c.bus.Callbacks() {
		return status.Errorf(status.NotImplemented, "register_callback", "bus %q has no push delivery", c.name)
	}
	if cb == nil {
		return c.sess.SetCallback(nil, nil)
	}
	return c.sess.SetCallback(func(frame []byte, user any) { cb(h, frame, user) }, user)
}

func (b base) Terminate(h Handle) (err error) {
	defer b.d.guard("terminate", &err)
	if _, err := b.get(h, "terminate"); err != nil {
		return err
	}
	return b.d.terminate(h)
}

func (d *Driver) terminate(h Handle) error {
	c, err := d.reg.Remove(h)
	if err != nil {
		return err
	}
	c.close()
	metrics.SessionClosed()
	logging.L().Info("session_close", "handle", h, "bus", c.name)
	return nil
}

// typed adds parameter-typed helpers to base.
type typed[P busconf.Params] struct{ base }

// OpenParams encodes p and opens with it.
func (t typed[P]) OpenParams(ctx context.Context, name string, p P) (h Handle, err error) {
	defer t.d.guard("open", &err)
	blob, err := busconf.Encode(p)
	if err != nil {
		return InvalidHandle, err
	}
	return t.open(ctx, name, blob)
}

// AutoOpenParams opens with the bus defaults and returns them decoded. The
// configuration size is negotiated; a probe that is too small opens nothing.
func (t typed[P]) AutoOpenParams(ctx context.Context, name string) (Handle, P, error) {
	var zero P
	h := InvalidHandle
	blob, err := nbuf.Negotiate(0, func(dst []byte) (int, error) {
		var n int
		var err error
		h, n, err = t.AutoOpen(ctx, name, dst)
		return n, err
	})
	if err != nil {
		return InvalidHandle, zero, err
	}
	p, err := busconf.Decode(t.typ, blob)
	if err != nil {
		_ = t.Terminate(h)
		return InvalidHandle, zero, status.Normalize("auto_open", err)
	}
	return h, p.(P), nil
}

// Params returns the decoded configuration of h.
func (t typed[P]) Params(h Handle) (P, error) {
	var zero P
	c, err := t.get(h, "config")
	if err != nil {
		return zero, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.(P), nil
}

// CAN interfaces.
type CAN struct{ typed[*busconf.CAN] }

// LIN interfaces.
type LIN struct{ typed[*busconf.LIN] }

// FlexRay interfaces.
type FlexRay struct{ typed[*busconf.FlexRay] }

// Custom bus interfaces.
type Custom struct{ typed[*busconf.Custom] }

var (
	_ Interface = (*CAN)(nil)
	_ Interface = (*LIN)(nil)
	_ Interface = (*FlexRay)(nil)
	_ Interface = (*Ethernet)(nil)
	_ Interface = (*Custom)(nil)
)
