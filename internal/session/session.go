// Package session holds the per-handle receive state of an open interface:
// the delivery mode, the frame queue used in buffered mode and the callback
// dispatcher used in callback mode.
//
// Every arrival is classified under the session lock, so a mode switch and a
// concurrent arrival are ordered one way or the other. Callbacks always run
// with the lock released and may call back into the session.
package session

import (
	"sync"

	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/queue"
	"github.com/kstaniek/go-vbus-driver/pkg/status"
)

// Mode is the receive delivery mode.
type Mode int

const (
	Buffered Mode = iota
	Callback
)

func (m Mode) String() string {
	if m == Callback {
		return "callback"
	}
	return "buffered"
}

// Func receives one arrival. frame is owned by the callee for the duration of
// the call only.
type Func func(frame []byte, user any)

// Session is the receive side of one open interface.
type Session struct {
	name string
	gate func() bool

	mu          sync.Mutex
	q           *queue.Queue
	mode        Mode
	cb          Func
	user        any
	backlog     [][]byte
	dispatching bool
	closed      bool
}

type Option func(*Session)

// WithQueueLimit bounds the bytes held in buffered mode (0 = unbounded).
func WithQueueLimit(n int) Option { return func(s *Session) { s.q = queue.New(n) } }

// WithGate installs a check run on every callback registration; while it
// reports true registrations fail with MonitoringAlreadyStarted.
func WithGate(fn func() bool) Option { return func(s *Session) { s.gate = fn } }

// New returns a session in buffered mode. name is used in log records.
func New(name string, opts ...Option) *Session {
	s := &Session{name: name, q: queue.New(0)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name returns the logical interface name.
func (s *Session) Name() string { return s.name }

// Mode returns the current delivery mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Pending returns the number of arrivals queued or waiting for dispatch.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len() + len(s.backlog)
}

// Deliver is the arrival path. In buffered mode the frame is queued; in
// callback mode it joins the backlog and, unless another goroutine is already
// dispatching, the caller dispatches it. Arrivals after Close are dropped.
func (s *Session) Deliver(frame []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.mode == Buffered {
		err := s.q.Append(frame)
		s.mu.Unlock()
		if err != nil {
			metrics.IncRxOverflow()
			metrics.IncStatus(status.CodeOf(err))
			logging.L().Warn("rx_queue_overflow", "session", s.name, "size", len(frame), "error", err)
			return
		}
		metrics.IncRxQueued()
		return
	}
	s.backlog = append(s.backlog, append([]byte(nil), frame...))
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	s.dispatchLocked(len(s.backlog))
	s.mu.Unlock()
}

// SetCallback switches delivery mode. A non-nil fn selects callback mode;
// frames queued until now are dispatched to fn before SetCallback returns,
// arrivals during that flush follow on a background dispatcher.
// A nil fn selects buffered mode; arrivals not yet handed to a callback go
// back to the front of the queue.
func (s *Session) SetCallback(fn Func, user any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return status.New(status.InvalidHandle, "register_callback")
	}
	if s.gate != nil && s.gate() {
		s.mu.Unlock()
		return status.New(status.MonitoringAlreadyStarted, "register_callback")
	}
	if fn == nil {
		if s.mode == Callback {
			s.mode = Buffered
			s.q.PushFront(s.backlog)
			s.backlog = nil
			logging.L().Debug("delivery_mode", "session", s.name, "mode", Buffered)
		}
		s.cb, s.user = nil, nil
		s.mu.Unlock()
		return nil
	}
	s.cb, s.user = fn, user
	if s.mode == Buffered {
		s.mode = Callback
		s.backlog = append(s.backlog, s.q.TakeAll()...)
		logging.L().Debug("delivery_mode", "session", s.name, "mode", Callback, "flush", len(s.backlog))
	}
	if s.dispatching || len(s.backlog) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.dispatching = true
	s.dispatchLocked(len(s.backlog))
	s.mu.Unlock()
	return nil
}

// dispatchLocked hands at most limit backlog frames to the callback, one at a
// time, releasing the lock around each call (limit < 0: until the backlog is
// empty). It stops early when the mode leaves Callback or the session closes.
// Frames still pending after limit go to a background dispatcher, so neither a
// registering caller nor a bus publisher is held by later arrivals. Called and
// returns with s.mu held and s.dispatching set; s.dispatching stays set while
// the background dispatcher runs.
func (s *Session) dispatchLocked(limit int) {
	for limit != 0 && s.dispatchable() {
		f := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		cb, user := s.cb, s.user
		s.mu.Unlock()
		s.invoke(cb, f, user)
		s.mu.Lock()
		limit--
	}
	if s.dispatchable() {
		go s.dispatchRest()
		return
	}
	if len(s.backlog) == 0 {
		s.backlog = nil
	}
	s.dispatching = false
}

// busy reports whether a dispatcher, inline or background, is running.
func (s *Session) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatching
}

func (s *Session) dispatchable() bool {
	return len(s.backlog) > 0 && s.mode == Callback && !s.closed
}

func (s *Session) dispatchRest() {
	s.mu.Lock()
	s.dispatchLocked(-1)
	s.mu.Unlock()
}

func (s *Session) invoke(cb Func, f []byte, user any) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncError(metrics.ErrCallbackPanic)
			metrics.IncStatus(status.VendorInternal)
			logging.L().Error("callback_panic", "session", s.name, "panic", r)
		}
	}()
	cb(f, user)
	metrics.IncRxDispatched()
}

// Receive drains whole queued frames into dst. An empty queue yields (0, nil);
// a dst shorter than the oldest frame (nil included) yields BufferTooSmall
// with that frame's size and leaves the queue unchanged.
func (s *Session) Receive(dst []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, status.New(status.InvalidHandle, "receive")
	}
	before := s.q.Len()
	n, err := s.q.DrainInto(dst)
	taken := before - s.q.Len()
	s.mu.Unlock()
	if taken > 0 {
		metrics.AddRxDrained(taken)
	}
	return n, err
}

// Close discards everything queued or waiting for dispatch. Later arrivals
// are dropped and later calls fail with InvalidHandle. A callback already
// running on another goroutine completes.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	dropped := s.q.Reset() + len(s.backlog)
	s.backlog = nil
	s.cb, s.user = nil, nil
	if dropped > 0 {
		logging.L().Debug("session_discard", "session", s.name, "frames", dropped)
	}
}
