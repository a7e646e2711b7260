// Package driver is the client-facing boundary of the virtual bus: one
// capability set per bus category for opening interfaces, sending batches,
// receiving frames by polling or by callback and closing interfaces, plus the
// driver-wide logging, time and error-description services.
//
// Every error returned by this package carries a status.Code; use
// status.CodeOf to read it.
package driver

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/registry"
	"github.com/kstaniek/go-vbus-driver/internal/txcoord"
	"github.com/kstaniek/go-vbus-driver/pkg/busconf"
	"github.com/kstaniek/go-vbus-driver/pkg/status"
	"github.com/kstaniek/go-vbus-driver/pkg/vbus"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

const version = "1.0.0"

// Version of the driver contract implementation.
func Version() string { return version }

// Handle identifies an open interface. InvalidHandle is never issued.
type Handle = registry.Handle

const InvalidHandle = registry.Invalid

// ReceiveFunc is a push-delivery callback for the interface h. frame is only
// valid during the call. It may call back into the driver, through h or any
// other handle.
type ReceiveFunc func(h Handle, frame []byte, user any)

// Interface is the capability set shared by every bus category.
type Interface interface {
	// Type is the bus category served.
	Type() wire.BusType
	// Open attaches a new interface to the bus called name. An empty config
	// selects the bus defaults. Open waits for the simulation to become ready
	// as long as ctx allows.
	Open(ctx context.Context, name string, config []byte) (Handle, error)
	// AutoOpen opens with the bus defaults and writes the chosen configuration
	// into out following the negotiated-buffer rules. A too small out opens
	// nothing.
	AutoOpen(ctx context.Context, name string, out []byte) (Handle, int, error)
	// Send admits every frame of batch or none.
	Send(h Handle, batch []byte) error
	// Receive drains whole queued frames into buf without waiting.
	Receive(h Handle, buf []byte) (int, error)
	// RegisterCallback switches to push delivery; a nil cb switches back.
	RegisterCallback(h Handle, cb ReceiveFunc, user any) error
	// Terminate closes the interface and discards what it still holds.
	Terminate(h Handle) error
}

// Driver serves one simulation.
type Driver struct {
	sim  *vbus.Simulation
	reg  *registry.Registry[*conn]
	opts options

	can      *CAN
	lin      *LIN
	flexRay  *FlexRay
	ethernet *Ethernet
	custom   *Custom
}

type options struct {
	ctx        context.Context
	queueLimit int
	txDepth    int
}

type Option func(*options)

// WithQueueLimit bounds the bytes each interface holds in buffered mode.
// Arrivals past the bound are rejected and counted. 0 means unbounded.
func WithQueueLimit(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.queueLimit = n
		}
	}
}

// WithTxDepth sets the per-interface transmitter buffer in frames.
func WithTxDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.txDepth = n
		}
	}
}

// WithContext bounds the lifetime of every interface transmitter.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// New returns a driver for sim.
func New(sim *vbus.Simulation, opts ...Option) *Driver {
	d := &Driver{
		sim:  sim,
		reg:  registry.New[*conn](),
		opts: options{ctx: context.Background(), txDepth: txcoord.DefaultDepth},
	}
	for _, o := range opts {
		o(&d.opts)
	}
	d.can = &CAN{typed[*busconf.CAN]{base{d, wire.CAN}}}
	d.lin = &LIN{typed[*busconf.LIN]{base{d, wire.LIN}}}
	d.flexRay = &FlexRay{typed[*busconf.FlexRay]{base{d, wire.FlexRay}}}
	d.ethernet = &Ethernet{typed[*busconf.Ethernet]{base{d, wire.Ethernet}}}
	d.custom = &Custom{typed[*busconf.Custom]{base{d, wire.Custom}}}
	return d
}

func (d *Driver) CAN() *CAN           { return d.can }
func (d *Driver) LIN() *LIN           { return d.lin }
func (d *Driver) FlexRay() *FlexRay   { return d.flexRay }
func (d *Driver) Ethernet() *Ethernet { return d.ethernet }
func (d *Driver) Custom() *Custom     { return d.custom }

// For returns the capability set of bus type t, or nil.
func (d *Driver) For(t wire.BusType) Interface {
	switch t {
	case wire.CAN:
		return d.can
	case wire.LIN:
		return d.lin
	case wire.FlexRay:
		return d.flexRay
	case wire.Ethernet:
		return d.ethernet
	case wire.Custom:
		return d.custom
	}
	return nil
}

// Simulation returns the simulation served by d.
func (d *Driver) Simulation() *vbus.Simulation { return d.sim }

// OpenCount returns the number of open interfaces.
func (d *Driver) OpenCount() int { return d.reg.Len() }

// Config writes the configuration of h into buf following the
// negotiated-buffer rules. The configuration is left unchanged.
func (d *Driver) Config(h Handle, buf []byte) (n int, err error) {
	defer d.guard("config", &err)
	c, err := d.lookup(h, "config")
	if err != nil {
		return 0, err
	}
	return c.readConfig(buf)
}

// SimulationTime returns the simulation time in nanoseconds as seen by h.
func (d *Driver) SimulationTime(h Handle) (ns uint64, err error) {
	defer d.guard("simulation_time", &err)
	if _, err := d.lookup(h, "simulation_time"); err != nil {
		return 0, err
	}
	return d.sim.Now()
}

// Info describes the driver and the simulation it serves.
func (d *Driver) Info() string {
	return fmt.Sprintf("go-vbus-driver %s; simulation %s; %d buses; %d open interfaces",
		version, d.sim.ID(), len(d.sim.Buses()), d.reg.Len())
}

// VendorErrorDescription explains a vendor-range code; empty for others.
func VendorErrorDescription(c status.Code) string { return status.Describe(c) }

// Shutdown terminates every open interface.
func (d *Driver) Shutdown() {
	hs, _ := d.reg.Snapshot()
	for _, h := range hs {
		_ = d.terminate(h)
	}
}

func (d *Driver) lookup(h Handle, op string) (*conn, error) {
	c, err := d.reg.Get(h)
	if err != nil {
		return nil, status.New(status.InvalidHandle, op)
	}
	return c, nil
}

// guard recovers a panic into VendorInternal, normalizes the error to a
// status and counts it.
func (d *Driver) guard(op string, err *error) {
	if r := recover(); r != nil {
		logging.L().Error("driver_panic", "op", op, "panic", r, "stack", string(debug.Stack()))
		*err = status.Errorf(status.VendorInternal, op, "panic: %v", r)
	}
	if *err == nil {
		return
	}
	*err = status.Normalize(op, *err)
	metrics.IncStatus(status.CodeOf(*err))
}
