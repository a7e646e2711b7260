package vbus

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-vbus-driver/pkg/status"
)

// Direction selects which frames of a port a tap observes.
type Direction uint8

const (
	TX   Direction = 1
	RX   Direction = 2
	TXRX Direction = TX | RX
)

func (d Direction) Valid() bool { return d >= TX && d <= TXRX }

func (d Direction) String() string {
	switch d {
	case TX:
		return "TX"
	case RX:
		return "RX"
	case TXRX:
		return "TXRX"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

type tap struct {
	dir Direction
	fn  func(Frame)
}

// Port is one interface attached to a bus.
type Port struct {
	bus     *Bus
	id      uint64
	name    string
	self    bool
	deliver func(Frame)
	accept  atomic.Pointer[func([]byte) bool]

	mu       sync.RWMutex
	config   []byte
	taps     map[uint64]tap
	nextTap  uint64
	detached bool

	monitors atomic.Int32
}

func (p *Port) ID() uint64   { return p.id }
func (p *Port) Name() string { return p.name }
func (p *Port) Bus() *Bus    { return p.bus }

// Config returns a copy of the interface configuration blob.
func (p *Port) Config() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.config)
}

// Reconfigure replaces the configuration blob and the arrival filter.
func (p *Port) Reconfigure(blob []byte, accept func([]byte) bool) {
	p.mu.Lock()
	p.config = slices.Clone(blob)
	p.mu.Unlock()
	if accept == nil {
		p.accept.Store(nil)
		return
	}
	p.accept.Store(&accept)
}

// Deliver implements hub.Member. It applies self reception and the arrival
// filter, notifies RX taps, then hands the frame to the interface.
func (p *Port) Deliver(m Frame) bool {
	if m.From == p.id && !p.self {
		return true
	}
	if f := p.accept.Load(); f != nil && !(*f)(m.Data) {
		return true
	}
	p.notify(RX, m)
	if p.deliver != nil {
		p.deliver(m)
	}
	return true
}

// Publish puts data on the bus as sent by this port.
func (p *Port) Publish(data []byte) error {
	p.mu.RLock()
	detached := p.detached
	p.mu.RUnlock()
	if detached {
		return status.New(status.VendorClosed, "publish")
	}
	sim := p.bus.sim
	if !sim.Running() {
		return status.New(status.SimulationNotRunning, "publish")
	}
	m := Frame{From: p.id, At: sim.elapsed(), Data: data}
	p.notify(TX, m)
	p.bus.broadcast(m)
	return nil
}

// Tap registers fn for the frames of this port in direction dir. The
// returned func removes it.
func (p *Port) Tap(dir Direction, fn func(Frame)) (cancel func()) {
	p.mu.Lock()
	p.nextTap++
	id := p.nextTap
	p.taps[id] = tap{dir: dir, fn: fn}
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.taps, id)
		p.mu.Unlock()
	}
}

func (p *Port) notify(dir Direction, m Frame) {
	p.mu.RLock()
	if len(p.taps) == 0 {
		p.mu.RUnlock()
		return
	}
	ids := make([]uint64, 0, len(p.taps))
	for id, t := range p.taps {
		if t.dir&dir != 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	fns := make([]func(Frame), len(ids))
	for i, id := range ids {
		fns[i] = p.taps[id].fn
	}
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}

// StartMonitor and StopMonitor count active monitoring sessions on the port.
func (p *Port) StartMonitor() { p.monitors.Add(1) }
func (p *Port) StopMonitor()  { p.monitors.Add(-1) }

// Monitored reports whether a monitoring session is active on the port.
func (p *Port) Monitored() bool { return p.monitors.Load() > 0 }

// Detach removes the port from its bus. Later publications fail and no
// further arrivals are delivered. Idempotent.
func (p *Port) Detach() {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return
	}
	p.detached = true
	p.mu.Unlock()
	b := p.bus
	b.hub.Remove(p)
	b.mu.Lock()
	delete(b.ports, p.id)
	b.mu.Unlock()
}
