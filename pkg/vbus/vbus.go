// Package vbus is the simulated virtual bus the driver talks to: a topology of
// named buses, a readiness latch, a simulation clock and frame publication
// from attached interfaces (ports) and bridges to everything else on the bus.
//
// The bus neither arbitrates nor times frames: a published frame is handed to
// every other port synchronously, on the publishing goroutine.
package vbus

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/go-vbus-driver/internal/hub"
	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/pkg/busconf"
	"github.com/kstaniek/go-vbus-driver/pkg/status"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

// Frame is one frame as seen on a bus.
type Frame = hub.Message

type state int32

const (
	configured state = iota
	running
	stopped
)

// Simulation owns the bus topology and its run state.
type Simulation struct {
	id    uuid.UUID
	clock func() time.Time

	mu     sync.RWMutex
	buses  []*Bus
	byName map[string]*Bus

	state     atomic.Int32
	started   atomic.Bool
	startedNs atomic.Int64
	ready     chan struct{}
	readyOnce sync.Once
	nextPort  atomic.Uint64
}

type Option func(*Simulation)

// WithID fixes the simulation instance id (random by default).
func WithID(id uuid.UUID) Option { return func(s *Simulation) { s.id = id } }

// WithClock replaces time.Now as the simulation time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Simulation) {
		if fn != nil {
			s.clock = fn
		}
	}
}

// New returns a configured, not yet running simulation without buses.
func New(opts ...Option) *Simulation {
	s := &Simulation{
		id:     uuid.New(),
		clock:  time.Now,
		byName: make(map[string]*Bus),
		ready:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ID returns the simulation instance id; monitoring clients connect with it.
func (s *Simulation) ID() uuid.UUID { return s.id }

// BusConfig describes one bus of the topology.
type BusConfig struct {
	Name string
	Type wire.BusType
	// Params are the bus defaults handed to interfaces opened without a
	// configuration. Nil selects busconf.Default(Type).
	Params busconf.Params
	// NoCallbacks marks a bus without push delivery.
	NoCallbacks bool
}

// AddBus extends the topology. Buses can only be added before Start.
func (s *Simulation) AddBus(cfg BusConfig) (*Bus, error) {
	if !cfg.Type.Valid() {
		return nil, status.Errorf(status.InvalidBusType, "add_bus", "bus %q: type %v", cfg.Name, cfg.Type)
	}
	if cfg.Name == "" {
		return nil, status.Errorf(status.InvalidName, "add_bus", "empty bus name")
	}
	p := cfg.Params
	if p == nil {
		p = busconf.Default(cfg.Type)
	}
	if p.BusType() != cfg.Type {
		return nil, status.Errorf(status.InvalidBusType, "add_bus", "bus %q: %v parameters for a %v bus", cfg.Name, p.BusType(), cfg.Type)
	}
	blob, err := busconf.Encode(p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state(s.state.Load()) != configured {
		return nil, status.Errorf(status.InvalidParameters, "add_bus", "topology is fixed once the simulation started")
	}
	if _, dup := s.byName[cfg.Name]; dup {
		return nil, status.Errorf(status.InvalidName, "add_bus", "duplicate bus %q", cfg.Name)
	}
	b := &Bus{
		sim:       s,
		index:     len(s.buses),
		name:      cfg.Name,
		typ:       cfg.Type,
		params:    p,
		blob:      blob,
		callbacks: !cfg.NoCallbacks,
		hub:       hub.New(),
		ports:     make(map[uint64]*Port),
	}
	s.buses = append(s.buses, b)
	s.byName[b.name] = b
	logging.L().Debug("bus_added", "bus", b.name, "type", b.typ)
	return b, nil
}

// Start makes the simulation ready and starts its clock. Idempotent.
func (s *Simulation) Start() {
	s.mu.Lock()
	if state(s.state.Load()) != configured {
		s.mu.Unlock()
		return
	}
	s.startedNs.Store(s.clock().UnixNano())
	s.started.Store(true)
	s.state.Store(int32(running))
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	logging.L().Info("simulation_started", "id", s.id, "buses", len(s.Buses()))
}

// Stop ends the run. Interfaces stay attached but time queries and new opens
// fail with SimulationNotRunning.
func (s *Simulation) Stop() {
	if state(s.state.Swap(int32(stopped))) == running {
		logging.L().Info("simulation_stopped", "id", s.id)
	}
	s.readyOnce.Do(func() { close(s.ready) })
}

// Running reports whether the simulation has started and not stopped.
func (s *Simulation) Running() bool { return state(s.state.Load()) == running }

// Ready reports whether the simulation passed its start-up phase.
func (s *Simulation) Ready() bool {
	select {
	case <-s.ready:
		return s.Running()
	default:
		return false
	}
}

// WaitReady blocks until the simulation runs. It fails with Timeout when ctx
// ends first and with SimulationNotRunning once the simulation stopped.
func (s *Simulation) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return status.Wrap(status.Timeout, "wait_ready", ctx.Err())
	}
	if !s.Running() {
		return status.New(status.SimulationNotRunning, "wait_ready")
	}
	return nil
}

// Now returns the simulation time in nanoseconds since Start.
func (s *Simulation) Now() (uint64, error) {
	if !s.Running() {
		return 0, status.New(status.SimulationNotRunning, "simulation_time")
	}
	return s.elapsed(), nil
}

func (s *Simulation) elapsed() uint64 {
	if !s.started.Load() {
		return 0
	}
	d := s.clock().UnixNano() - s.startedNs.Load()
	if d < 0 {
		return 0
	}
	return uint64(d)
}

// Buses returns the topology in index order.
func (s *Simulation) Buses() []*Bus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.buses)
}

// Bus looks a bus up by name.
func (s *Simulation) Bus(name string) (*Bus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byName[name]
	return b, ok
}

// Bus is one virtual bus.
type Bus struct {
	sim       *Simulation
	index     int
	name      string
	typ       wire.BusType
	params    busconf.Params
	blob      []byte
	callbacks bool
	hub       *hub.Hub

	mu    sync.RWMutex
	ports map[uint64]*Port
}

func (b *Bus) Name() string                  { return b.name }
func (b *Bus) Type() wire.BusType            { return b.typ }
func (b *Bus) Index() int                    { return b.index }
func (b *Bus) Callbacks() bool               { return b.callbacks }
func (b *Bus) Simulation() *Simulation       { return b.sim }
func (b *Bus) Hub() *hub.Hub                 { return b.hub }
func (b *Bus) Params() busconf.Params        { return b.params }
func (b *Bus) Config() []byte                { return slices.Clone(b.blob) }
func (b *Bus) Format() wire.Format           { return wire.ForType(b.typ) }
func (b *Bus) Limits() wire.Limits           { return busconf.Limits(b.params) }
func (b *Bus) Observe(fn func(Frame)) func() { return b.hub.Observe(fn) }

// Publish injects a frame from outside the simulation. Dropped unless the
// simulation runs.
func (b *Bus) Publish(data []byte) { _ = b.Inject(0, data) }

// NewOrigin reserves a publisher id for a bridge. Ids never collide with
// port ids.
func (b *Bus) NewOrigin() uint64 { return b.sim.nextPort.Add(1) }

// Inject publishes data on behalf of origin (see NewOrigin). Every port and
// every bridge client except origin's own receives it.
func (b *Bus) Inject(origin uint64, data []byte) error {
	if !b.sim.Running() {
		return status.New(status.SimulationNotRunning, "inject")
	}
	b.broadcast(Frame{From: origin, At: b.sim.elapsed(), Data: data})
	return nil
}

func (b *Bus) broadcast(m Frame) {
	metrics.IncBusFrames()
	b.hub.Broadcast(m)
}

// Ports returns the attached interfaces in attach order.
func (b *Bus) Ports() []*Port {
	b.mu.RLock()
	out := make([]*Port, 0, len(b.ports))
	for _, p := range b.ports {
		out = append(out, p)
	}
	b.mu.RUnlock()
	slices.SortFunc(out, func(x, y *Port) int { return cmp.Compare(x.id, y.id) })
	return out
}

// PortConfig describes an interface attaching to a bus.
type PortConfig struct {
	Name          string
	Config        []byte
	SelfReception bool
	// Accept filters arrivals; nil accepts everything.
	Accept func(data []byte) bool
	// Deliver receives accepted arrivals on the publishing goroutine.
	Deliver func(Frame)
}

// Attach connects an interface to the bus.
func (b *Bus) Attach(cfg PortConfig) *Port {
	p := &Port{
		bus:     b,
		id:      b.sim.nextPort.Add(1),
		name:    cfg.Name,
		config:  slices.Clone(cfg.Config),
		self:    cfg.SelfReception,
		deliver: cfg.Deliver,
		taps:    make(map[uint64]tap),
	}
	if cfg.Accept != nil {
		p.accept.Store(&cfg.Accept)
	}
	b.mu.Lock()
	b.ports[p.id] = p
	b.mu.Unlock()
	b.hub.Add(p)
	return p
}
