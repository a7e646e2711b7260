// Package monitor is the read-only test-automation view of a simulation:
// enumeration of buses and their attached interfaces, and passive taps on the
// frames they carry. Taps observe; they never change what the driver
// delivers.
package monitor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/registry"
	"github.com/kstaniek/go-vbus-driver/pkg/status"
	"github.com/kstaniek/go-vbus-driver/pkg/vbus"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

// Handle identifies a connection, a bus session or an interface session.
type Handle = registry.Handle

const InvalidHandle = registry.Invalid

// BusType is the monitoring view of a bus category. A FlexRay bus is listed
// once per channel.
type BusType uint32

const (
	Unknown  BusType = 0
	CAN      BusType = 1
	Ethernet BusType = 2
	FlexRayA BusType = 3
	FlexRayB BusType = 4
	LIN      BusType = 5
	Custom   BusType = 0x128
)

func (t BusType) String() string {
	switch t {
	case CAN:
		return "CAN"
	case Ethernet:
		return "Ethernet"
	case FlexRayA:
		return "FlexRay-A"
	case FlexRayB:
		return "FlexRay-B"
	case LIN:
		return "LIN"
	case Custom:
		return "Custom"
	}
	return fmt.Sprintf("BusType(%#x)", uint32(t))
}

// Direction re-exports the tap directions of vbus.
type Direction = vbus.Direction

const (
	TX   = vbus.TX
	RX   = vbus.RX
	TXRX = vbus.TXRX
)

// BusInfo describes one monitorable bus.
type BusInfo struct {
	Index  uint32
	Type   BusType
	Name   string
	Config []byte
}

// InterfaceInfo describes one interface attached to a bus.
type InterfaceInfo struct {
	Index    uint32
	Name     string
	BusIndex uint32
	Config   []byte
}

// Callback observes one frame. data is only valid during the call.
type Callback func(data []byte, user any)

// view is one enumerated bus; a FlexRay bus yields two.
type view struct {
	bus     *vbus.Bus
	typ     BusType
	channel uint8
}

func (v view) match(f vbus.Frame) bool {
	return v.channel == 0 || wire.FlexRayChannel(f.Data)&v.channel != 0
}

func (v view) name() string {
	switch v.typ {
	case FlexRayA:
		return v.bus.Name() + "/A"
	case FlexRayB:
		return v.bus.Name() + "/B"
	}
	return v.bus.Name()
}

func views(sim *vbus.Simulation) []view {
	var out []view
	for _, b := range sim.Buses() {
		switch b.Type() {
		case wire.CAN:
			out = append(out, view{bus: b, typ: CAN})
		case wire.LIN:
			out = append(out, view{bus: b, typ: LIN})
		case wire.Ethernet:
			out = append(out, view{bus: b, typ: Ethernet})
		case wire.Custom:
			out = append(out, view{bus: b, typ: Custom})
		case wire.FlexRay:
			out = append(out,
				view{bus: b, typ: FlexRayA, channel: wire.ChannelA},
				view{bus: b, typ: FlexRayB, channel: wire.ChannelB})
		}
	}
	return out
}

type kind int

const (
	busSession kind = iota
	ifaceSession
)

type observer struct {
	dir  Direction
	cb   Callback
	user any
}

// session is a monitoring session on one bus or one interface.
type session struct {
	kind kind
	conn Handle
	view view
	port *vbus.Port

	mu        sync.Mutex
	running   bool
	observers []observer
	cancels   []func()
}

// Monitor serves monitoring connections to one simulation.
type Monitor struct {
	sim      *vbus.Simulation
	conns    *registry.Registry[struct{}]
	sessions *registry.Registry[*session]
}

// New returns a monitor for sim.
func New(sim *vbus.Simulation) *Monitor {
	return &Monitor{
		sim:      sim,
		conns:    registry.New[struct{}](),
		sessions: registry.New[*session](),
	}
}

// ConnectionInfo is the string clients pass to Connect.
func (m *Monitor) ConnectionInfo() string { return m.sim.ID().String() }

// Connect attaches to the simulation identified by info (its instance id).
// The simulation needs to be configured, not necessarily running.
func (m *Monitor) Connect(info string) (h Handle, err error) {
	defer observe("connect", &err)
	id, err := uuid.Parse(strings.TrimSpace(info))
	if err != nil {
		return InvalidHandle, status.Wrap(status.InvalidConnectionInfo, "connect", err)
	}
	if id != m.sim.ID() {
		return InvalidHandle, status.Errorf(status.InvalidConnectionInfo, "connect", "unknown simulation %s", id)
	}
	h, err = m.conns.Insert(struct{}{})
	if err != nil {
		return InvalidHandle, err
	}
	logging.L().Info("monitor_connected", "handle", h, "simulation", id)
	return h, nil
}

// Disconnect closes sh and every session opened through it.
func (m *Monitor) Disconnect(sh Handle) (err error) {
	defer observe("disconnect", &err)
	if _, err := m.conns.Remove(sh); err != nil {
		return status.New(status.InvalidHandle, "disconnect")
	}
	hs, ss := m.sessions.Snapshot()
	for i, s := range ss {
		if s.conn == sh {
			m.close(hs[i])
		}
	}
	logging.L().Info("monitor_disconnected", "handle", sh)
	return nil
}

func (m *Monitor) connected(sh Handle, op string) error {
	if _, err := m.conns.Get(sh); err != nil {
		return status.New(status.InvalidHandle, op)
	}
	return nil
}

func (m *Monitor) view(sh Handle, busIdx uint32, op string) (view, error) {
	if err := m.connected(sh, op); err != nil {
		return view{}, err
	}
	vs := views(m.sim)
	if int(busIdx) >= len(vs) {
		return view{}, status.Errorf(status.InvalidIndex, op, "bus index %d of %d", busIdx, len(vs))
	}
	return vs[busIdx], nil
}

func (m *Monitor) port(sh Handle, busIdx, ifIdx uint32, op string) (view, *vbus.Port, error) {
	v, err := m.view(sh, busIdx, op)
	if err != nil {
		return view{}, nil, err
	}
	ports := v.bus.Ports()
	if int(ifIdx) >= len(ports) {
		return view{}, nil, status.Errorf(status.InvalidIndex, op, "interface index %d of %d", ifIdx, len(ports))
	}
	return v, ports[ifIdx], nil
}

// NumBuses returns the number of monitorable buses.
func (m *Monitor) NumBuses(sh Handle) (n int, err error) {
	defer observe("num_buses", &err)
	if err := m.connected(sh, "num_buses"); err != nil {
		return 0, err
	}
	return len(views(m.sim)), nil
}

// BusInfo describes bus busIdx.
func (m *Monitor) BusInfo(sh Handle, busIdx uint32) (info BusInfo, err error) {
	defer observe("bus_info", &err)
	v, err := m.view(sh, busIdx, "bus_info")
	if err != nil {
		return BusInfo{}, err
	}
	return BusInfo{Index: busIdx, Type: v.typ, Name: v.name(), Config: v.bus.Config()}, nil
}

// NumInterfaces returns the number of interfaces attached to bus busIdx.
func (m *Monitor) NumInterfaces(sh Handle, busIdx uint32) (n int, err error) {
	defer observe("num_interfaces", &err)
	v, err := m.view(sh, busIdx, "num_interfaces")
	if err != nil {
		return 0, err
	}
	return len(v.bus.Ports()), nil
}

// InterfaceInfo describes interface ifIdx of bus busIdx.
func (m *Monitor) InterfaceInfo(sh Handle, busIdx, ifIdx uint32) (info InterfaceInfo, err error) {
	defer observe("interface_info", &err)
	_, p, err := m.port(sh, busIdx, ifIdx, "interface_info")
	if err != nil {
		return InterfaceInfo{}, err
	}
	return InterfaceInfo{Index: ifIdx, Name: p.Name(), BusIndex: busIdx, Config: p.Config()}, nil
}

// OpenBus opens a monitoring session on bus busIdx.
func (m *Monitor) OpenBus(sh Handle, busIdx uint32) (h Handle, err error) {
	defer observe("open_bus", &err)
	v, err := m.view(sh, busIdx, "open_bus")
	if err != nil {
		return InvalidHandle, err
	}
	return m.insert(&session{kind: busSession, conn: sh, view: v}, "open_bus")
}

// OpenInterface opens a monitoring session on one interface.
func (m *Monitor) OpenInterface(sh Handle, busIdx, ifIdx uint32) (h Handle, err error) {
	defer observe("open_interface", &err)
	v, p, err := m.port(sh, busIdx, ifIdx, "open_interface")
	if err != nil {
		return InvalidHandle, err
	}
	return m.insert(&session{kind: ifaceSession, conn: sh, view: v, port: p}, "open_interface")
}

// insert registers s unless its connection went away meanwhile; Disconnect
// only sweeps the sessions it can see.
func (m *Monitor) insert(s *session, op string) (Handle, error) {
	h, err := m.sessions.Insert(s)
	if err != nil {
		return InvalidHandle, err
	}
	if err := m.connected(s.conn, op); err != nil {
		m.close(h)
		return InvalidHandle, err
	}
	return h, nil
}

// CloseBus closes a bus session, stopping it first.
func (m *Monitor) CloseBus(sh, h Handle) (err error) {
	defer observe("close_bus", &err)
	if _, err := m.owned(sh, h, busSession, "close_bus"); err != nil {
		return err
	}
	m.close(h)
	return nil
}

// CloseInterface closes an interface session, stopping it first.
func (m *Monitor) CloseInterface(sh, h Handle) (err error) {
	defer observe("close_interface", &err)
	if _, err := m.owned(sh, h, ifaceSession, "close_interface"); err != nil {
		return err
	}
	m.close(h)
	return nil
}

func (m *Monitor) close(h Handle) {
	s, err := m.sessions.Remove(h)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

func (m *Monitor) owned(sh, h Handle, k kind, op string) (*session, error) {
	if err := m.connected(sh, op); err != nil {
		return nil, err
	}
	s, err := m.get(h, op)
	if err != nil {
		return nil, err
	}
	if s.conn != sh || s.kind != k {
		return nil, status.New(status.InvalidHandle, op)
	}
	return s, nil
}

func (m *Monitor) get(h Handle, op string) (*session, error) {
	s, err := m.sessions.Get(h)
	if err != nil {
		return nil, status.New(status.InvalidHandle, op)
	}
	return s, nil
}

// live returns session h while the connection that opened it is up. A
// session whose connection is gone is closed on the spot.
func (m *Monitor) live(h Handle, op string) (*session, error) {
	s, err := m.get(h, op)
	if err != nil {
		return nil, err
	}
	if err := m.connected(s.conn, op); err != nil {
		m.close(h)
		return nil, err
	}
	return s, nil
}

// StartMonitoring installs the registered observers of session h. While an
// interface session runs, the driver rejects callback registration changes
// on that interface.
func (m *Monitor) StartMonitoring(h Handle) (err error) {
	defer observe("start_monitoring", &err)
	s, err := m.live(h, "start_monitoring")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return status.New(status.MonitoringAlreadyStarted, "start_monitoring")
	}
	s.running = true
	for _, o := range s.observers {
		s.cancels = append(s.cancels, s.install(o))
	}
	if s.port != nil {
		s.port.StartMonitor()
	}
	logging.L().Debug("monitoring_started", "session", h, "bus", s.view.name(), "observers", len(s.observers))
	return nil
}

// StopMonitoring removes the installed observers of session h.
func (m *Monitor) StopMonitoring(h Handle) (err error) {
	defer observe("stop_monitoring", &err)
	s, err := m.live(h, "stop_monitoring")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return status.New(status.MonitoringNotRunning, "stop_monitoring")
	}
	s.stopLocked()
	logging.L().Debug("monitoring_stopped", "session", h, "bus", s.view.name())
	return nil
}

// Running reports whether session h is monitoring.
func (m *Monitor) Running(h Handle) bool {
	s, err := m.live(h, "running")
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *session) stopLocked() {
	if !s.running {
		return
	}
	s.running = false
	for _, c := range s.cancels {
		c()
	}
	s.cancels = nil
	if s.port != nil {
		s.port.StopMonitor()
	}
}

func (s *session) install(o observer) func() {
	v := s.view
	if s.kind == busSession {
		return v.bus.Observe(func(f vbus.Frame) {
			if v.match(f) {
				call(o, f)
			}
		})
	}
	return s.port.Tap(o.dir, func(f vbus.Frame) {
		if v.match(f) {
			call(o, f)
		}
	})
}

func call(o observer, f vbus.Frame) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncError(metrics.ErrCallbackPanic)
			logging.L().Error("monitor_callback_panic", "panic", r)
		}
	}()
	o.cb(f.Data, o.user)
}

// RegisterBusCallback adds an observer to bus session h. Only possible while
// the session is stopped.
func (m *Monitor) RegisterBusCallback(h Handle, cb Callback, user any) (err error) {
	defer observe("register_bus_callback", &err)
	return m.register(h, busSession, observer{dir: TXRX, cb: cb, user: user}, "register_bus_callback")
}

// RegisterInterfaceCallback adds an observer of direction dir to interface
// session h. Only possible while the session is stopped.
func (m *Monitor) RegisterInterfaceCallback(h Handle, dir Direction, cb Callback, user any) (err error) {
	defer observe("register_interface_callback", &err)
	if !dir.Valid() {
		return status.Errorf(status.InvalidDirection, "register_interface_callback", "direction %d", uint8(dir))
	}
	return m.register(h, ifaceSession, observer{dir: dir, cb: cb, user: user}, "register_interface_callback")
}

// UnregisterBusCallbacks removes every observer of bus session h.
func (m *Monitor) UnregisterBusCallbacks(h Handle) (err error) {
	defer observe("unregister_bus_callbacks", &err)
	return m.unregister(h, busSession, "unregister_bus_callbacks")
}

// UnregisterInterfaceCallbacks removes every observer of interface session h.
func (m *Monitor) UnregisterInterfaceCallbacks(h Handle) (err error) {
	defer observe("unregister_interface_callbacks", &err)
	return m.unregister(h, ifaceSession, "unregister_interface_callbacks")
}

func (m *Monitor) register(h Handle, k kind, o observer, op string) error {
	if o.cb == nil {
		return status.New(status.NullPointer, op)
	}
	s, err := m.stopped(h, k, op)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
	return nil
}

func (m *Monitor) unregister(h Handle, k kind, op string) error {
	s, err := m.stopped(h, k, op)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.observers = nil
	return nil
}

// stopped returns the live session locked when it is of kind k and not
// running.
func (m *Monitor) stopped(h Handle, k kind, op string) (*session, error) {
	s, err := m.live(h, op)
	if err != nil {
		return nil, err
	}
	if s.kind != k {
		return nil, status.New(status.InvalidHandle, op)
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, status.New(status.MonitoringAlreadyStarted, op)
	}
	return s, nil
}

// observe normalizes a returned error and counts it.
func observe(op string, err *error) {
	if *err == nil {
		return
	}
	*err = status.Normalize(op, *err)
	metrics.IncStatus(status.CodeOf(*err))
}
