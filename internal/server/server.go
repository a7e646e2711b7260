// Package server exposes one virtual CAN bus to cannelloni TCP clients. Every
// client becomes a bridge: frames published on the bus are streamed to it and
// frames it sends are injected into the bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/cnl"
	"github.com/kstaniek/go-vbus-driver/internal/hub"
	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/transport"
)

// Bus is the virtual CAN bus served (*vbus.Bus).
type Bus interface {
	Name() string
	Hub() *hub.Hub
	NewOrigin() uint64
	Inject(origin uint64, data []byte) error
}

// Server owns the TCP listener and the client bridges of one bus.
type Server struct {
	mu    sync.RWMutex
	addr  string
	bus   Bus
	codec transport.MultiFrameDecoder

	frameFilter func(*can.Frame) bool
	fdEnabled   bool

	flushInterval    time.Duration
	batchSize        int
	clientBuf        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	readyOnce        sync.Once
	readyCh          chan struct{}
	lastErrMu        sync.Mutex
	lastErr          error
	errCh            chan error
	listener         net.Listener
	clientsMu        sync.RWMutex
	clients          map[*hub.Client]net.Conn
	wg               sync.WaitGroup
	logger           *slog.Logger
	nextConnID       atomic.Uint64

	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalConnected     atomic.Uint64
	totalDisconnected  atomic.Uint64
	totalRejected      atomic.Uint64
	totalInjectErrors  atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultClientBuf        = 512
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	readBurst               = 16
)

type ServerOption func(*Server)

// NewServer returns a server for bus. It listens on an ephemeral port unless
// WithListenAddr says otherwise.
func NewServer(bus Bus, opts ...ServerOption) *Server {
	s := &Server{
		addr:             ":0",
		bus:              bus,
		codec:            &cnl.Codec{},
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		clientBuf:        defaultClientBuf,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("bus", bus.Name())
	return s
}

func WithListenAddr(a string) ServerOption                 { return func(s *Server) { s.addr = a } }
func WithCodec(c transport.MultiFrameDecoder) ServerOption { return func(s *Server) { s.codec = c } }

// WithFD admits CAN FD frames from clients.
func WithFD(on bool) ServerOption { return func(s *Server) { s.fdEnabled = on } }

// WithFrameFilter drops client frames fn rejects before they reach the bus.
func WithFrameFilter(fn func(*can.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithBatchSize sets how many bus messages a client writer coalesces into
// one TCP write.
func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithClientBuffer sets the per-client outbound buffer in bus messages.
func WithClientBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.clientBuf = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

// BusName is the name of the bus served.
func (s *Server) BusName() string { return s.bus.Name() }

// FD reports whether clients may send CAN FD frames.
func (s *Server) FD() bool { return s.fdEnabled }

// Clients returns the number of connected clients.
func (s *Server) Clients() int { s.clientsMu.RLock(); defer s.clientsMu.RUnlock(); return len(s.clients) }

// Serve accepts clients until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(ErrListen, err)
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts one connection, runs the hello exchange and starts the
// client bridge. Only listener failures are returned.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		return s.fail(ErrAccept, err)
	}
	s.totalAccepted.Add(1)
	connLogger := s.logger.With("conn_id", s.nextConnID.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		s.totalHandshakeFail.Add(1)
		connLogger.Warn("handshake_failed", "error", s.fail(ErrHandshake, err))
		_ = conn.Close()
		return nil
	}
	if s.maxClients > 0 && s.Clients() >= s.maxClients {
		metrics.IncHubReject()
		s.totalRejected.Add(1)
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	cl := hub.NewClient(s.clientBuf, s.bus.NewOrigin())
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	s.bus.Hub().Add(cl)
	metrics.SetHubClients(s.bus.Hub().Clients())
	s.totalConnected.Add(1)
	connLogger.Info("client_connected", "origin", cl.Origin)
	s.startWriter(ctx.Done(), conn, cl, connLogger)
	s.startReader(ctx.Done(), conn, cl, connLogger)
	return nil
}

func (s *Server) dropClient(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	s.bus.Hub().Remove(cl)
}

// Shutdown closes the listener and every client, then waits for the client
// goroutines as long as ctx allows.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		s.bus.Hub().Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeFail.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"rejected", s.totalRejected.Load(),
			"inject_errors", s.totalInjectErrors.Load())
		return nil
	}
}
