package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/cnl"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/pkg/vbus"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

const magic = cnl.Hello

type recorder struct {
	mu  sync.Mutex
	got []vbus.Frame
}

func (r *recorder) deliver(f vbus.Frame) { r.mu.Lock(); r.got = append(r.got, f); r.mu.Unlock() }

func (r *recorder) frames() []vbus.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]vbus.Frame(nil), r.got...)
}

func newBus(t testing.TB) (*vbus.Simulation, *vbus.Bus) {
	t.Helper()
	sim := vbus.New()
	b, err := sim.AddBus(vbus.BusConfig{Name: "CAN:0", Type: wire.CAN})
	if err != nil {
		t.Fatalf("add bus: %v", err)
	}
	sim.Start()
	return sim, b
}

func startServer(t testing.TB, bus Bus, opts ...ServerOption) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(bus, append([]ServerOption{WithHandshakeTimeout(2 * time.Second)}, opts...)...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	})
	return srv
}

func dialAndHandshake(t testing.TB, srv *Server) net.Conn {
	t.Helper()
	before := srv.Clients()
	d := net.Dialer{Timeout: time.Second}
	c, err := d.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if _, err := c.Write([]byte(magic)); err != nil {
		t.Fatalf("write magic: %v", err)
	}
	buf := make([]byte, len(magic))
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c.Read(buf); err != nil {
		t.Fatalf("read magic: %v", err)
	}
	if string(buf) != magic {
		t.Fatalf("unexpected hello %q", buf)
	}
	waitUntil(t, "client registration", func() bool { return srv.Clients() > before })
	return c
}

func waitUntil(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func readFrames(t *testing.T, c net.Conn, n int) []can.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := &cnl.Codec{}
	out := make([]can.Frame, 0, n)
	for len(out) < n {
		fr, err := dec.Decode(c)
		if err != nil {
			t.Fatalf("decode frame %d: %v", len(out), err)
		}
		out = append(out, fr)
	}
	return out
}

func rawFrame(id uint32, lenByte byte, data ...byte) []byte {
	b := binary.BigEndian.AppendUint32(nil, id)
	b = append(b, lenByte)
	return append(b, data...)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func TestClientFramesReachBusAndOtherClients(t *testing.T) {
	_, bus := newBus(t)
	var rx recorder
	port := bus.Attach(vbus.PortConfig{Name: "ecu", Deliver: rx.deliver})
	srv := startServer(t, bus)
	c1 := dialAndHandshake(t, srv)
	c2 := dialAndHandshake(t, srv)

	if _, err := c1.Write(rawFrame(0x123, 3, 1, 2, 3)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	waitUntil(t, "bus delivery", func() bool { return len(rx.frames()) == 1 })
	frs, err := wire.DecodeCAN(rx.frames()[0].Data)
	if err != nil || len(frs) != 1 || frs[0].CANID != 0x123 || !bytes.Equal(frs[0].Payload(), []byte{1, 2, 3}) {
		t.Fatalf("bus got %+v, %v", frs, err)
	}
	if got := readFrames(t, c2, 1); got[0].CANID != 0x123 {
		t.Fatalf("peer client got id 0x%X", got[0].CANID)
	}

	// the sender does not get its own frame back
	_ = c1.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c1.Read(make([]byte, 16)); !isTimeout(err) {
		t.Fatalf("sender saw its own frame echoed: %v", err)
	}

	// bus traffic reaches every client
	if err := port.Publish(wire.EncodeCAN(wire.NewCANFrame(0x456, []byte{9, 8}))); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, c := range []net.Conn{c1, c2} {
		got := readFrames(t, c, 1)
		if got[0].CANID != 0x456 || got[0].Len != 2 || got[0].Data[0] != 9 {
			t.Fatalf("client %d got %+v", i+1, got[0])
		}
	}
}

func TestWriterBatches(t *testing.T) {
	_, bus := newBus(t)
	port := bus.Attach(vbus.PortConfig{Name: "ecu"})
	srv := startServer(t, bus, WithBatchSize(16), WithFlushInterval(time.Hour))
	c := dialAndHandshake(t, srv)

	for i := 0; i < 32; i++ {
		if err := port.Publish(wire.EncodeCAN(wire.NewCANFrame(uint32(0x700+i), []byte{byte(i)}))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got := readFrames(t, c, 32)
	for i, fr := range got {
		if fr.CANID != uint32(0x700+i) || fr.Data[0] != byte(i) {
			t.Fatalf("frame %d: %+v", i, fr)
		}
	}
}

func TestKickedClientIsDisconnected(t *testing.T) {
	_, bus := newBus(t)
	srv := startServer(t, bus)
	c := dialAndHandshake(t, srv)

	// a kick closes the hub client; the bridge must drop the connection
	srv.clientsMu.RLock()
	for cl := range srv.clients {
		cl.Close()
	}
	srv.clientsMu.RUnlock()
	waitUntil(t, "client removal", func() bool { return srv.Clients() == 0 && bus.Hub().Clients() == 0 })
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 16)); err == nil || isTimeout(err) {
		t.Fatalf("kicked client still open: %v", err)
	}
}

func TestInvalidFramesAreSkipped(t *testing.T) {
	_, bus := newBus(t)
	var rx recorder
	bus.Attach(vbus.PortConfig{Name: "ecu", Deliver: rx.deliver})
	srv := startServer(t, bus)
	c := dialAndHandshake(t, srv)
	before := metrics.Snap().Malformed

	// FD frame without FD support, then a valid classic frame
	fd := rawFrame(0x10, 0x80|12, make([]byte, 12)...)
	if _, err := c.Write(append(fd, rawFrame(0x11, 1, 7)...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "valid frame", func() bool { return len(rx.frames()) == 1 })
	frs, _ := wire.DecodeCAN(rx.frames()[0].Data)
	if len(frs) != 1 || frs[0].CANID != 0x11 {
		t.Fatalf("bus got %+v", frs)
	}
	if metrics.Snap().Malformed <= before {
		t.Fatalf("invalid frame not counted")
	}
}

func TestFDClientsWhenEnabled(t *testing.T) {
	_, bus := newBus(t)
	var rx recorder
	bus.Attach(vbus.PortConfig{Name: "ecu", Deliver: rx.deliver})
	srv := startServer(t, bus, WithFD(true))
	c := dialAndHandshake(t, srv)
	if _, err := c.Write(rawFrame(0x10, 0x80|12, make([]byte, 12)...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "fd frame", func() bool { return len(rx.frames()) == 1 })
}

func TestMalformedStreamClosesClient(t *testing.T) {
	_, bus := newBus(t)
	srv := startServer(t, bus)
	c := dialAndHandshake(t, srv)
	before := metrics.Snap().Errors

	if _, err := c.Write(rawFrame(0x10, 9)); err != nil { // classic length 9
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "client removal", func() bool { return srv.Clients() == 0 })
	if metrics.Snap().Errors <= before {
		t.Fatalf("read error not counted")
	}
	if err := srv.LastError(); !errors.Is(err, ErrConnRead) {
		t.Fatalf("LastError = %v", err)
	}
}

func TestFrameFilter(t *testing.T) {
	_, bus := newBus(t)
	var rx recorder
	bus.Attach(vbus.PortConfig{Name: "ecu", Deliver: rx.deliver})
	srv := startServer(t, bus, WithFrameFilter(func(fr *can.Frame) bool { return fr.CANID != 0x666 }))
	c := dialAndHandshake(t, srv)
	if _, err := c.Write(append(rawFrame(0x666, 0), rawFrame(0x667, 0)...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "unfiltered frame", func() bool { return len(rx.frames()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	got := rx.frames()
	frs, _ := wire.DecodeCAN(got[0].Data)
	if len(got) != 1 || frs[0].CANID != 0x667 {
		t.Fatalf("filter let through %d frames, first %+v", len(got), frs)
	}
}

func TestInjectWhileStoppedIsCounted(t *testing.T) {
	sim, bus := newBus(t)
	srv := startServer(t, bus)
	c := dialAndHandshake(t, srv)
	sim.Stop()
	before := metrics.Snap().Errors
	if _, err := c.Write(rawFrame(0x10, 0)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "inject error", func() bool { return srv.totalInjectErrors.Load() == 1 })
	if metrics.Snap().Errors <= before {
		t.Fatalf("inject error not counted")
	}
}

func TestMaxClients(t *testing.T) {
	_, bus := newBus(t)
	srv := startServer(t, bus, WithMaxClients(1))
	_ = dialAndHandshake(t, srv)

	c, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_, _ = c.Write([]byte(magic))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	var err2 error
	for err2 == nil {
		_, err2 = c.Read(buf)
	}
	if isTimeout(err2) {
		t.Fatalf("second client not rejected")
	}
	if srv.Clients() != 1 {
		t.Fatalf("clients = %d", srv.Clients())
	}
}

func TestHandshakeFailure(t *testing.T) {
	_, bus := newBus(t)
	srv := startServer(t, bus, WithHandshakeTimeout(200*time.Millisecond))
	before := metrics.Snap().Errors
	c, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_, _ = c.Write([]byte("NOTCANNELLONI"))
	waitUntil(t, "handshake failure", func() bool { return srv.totalHandshakeFail.Load() == 1 })
	if metrics.Snap().Errors <= before || !errors.Is(srv.LastError(), ErrHandshake) {
		t.Fatalf("handshake failure not reported: %v", srv.LastError())
	}
}

func TestGracefulShutdown(t *testing.T) {
	_, bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(bus)
	go func() { _ = srv.Serve(ctx) }()
	<-srv.Ready()
	c := dialAndHandshake(t, srv)

	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if bus.Hub().Clients() != 0 {
		t.Fatalf("clients left on the hub")
	}
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil || isTimeout(err) {
		t.Fatalf("client connection still open: %v", err)
	}
	if _, err := net.DialTimeout("tcp", srv.Addr(), 200*time.Millisecond); err == nil {
		t.Fatalf("listener still accepting")
	}
}

func TestMapErrToMetric(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrConnRead, metrics.ErrTCPRead},
		{ErrListen, metrics.ErrTCPRead},
		{ErrConnWrite, metrics.ErrTCPWrite},
		{ErrHandshake, metrics.ErrHandshake},
		{ErrInject, metrics.ErrBusPublish},
		{ErrContext, "context"},
		{context.DeadlineExceeded, "context"},
		{errors.New("x"), "other"},
	}
	for _, tc := range cases {
		if got := mapErrToMetric(fmt.Errorf("wrap: %w", tc.err)); got != tc.want {
			t.Fatalf("%v -> %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestFailKeepsCause(t *testing.T) {
	srv := &Server{errCh: make(chan error, 1)}
	cause := io.ErrUnexpectedEOF
	err := srv.fail(ErrConnRead, cause)
	if !errors.Is(err, ErrConnRead) || !errors.Is(err, cause) {
		t.Fatalf("lost class or cause: %v", err)
	}
	if srv.LastError() != err {
		t.Fatalf("LastError=%v", srv.LastError())
	}
	_ = srv.fail(ErrInject, cause)
	if srv.LastError() != err {
		t.Fatalf("inject failure replaced LastError")
	}
}

func BenchmarkWriterFanout(b *testing.B) {
	_, bus := newBus(b)
	port := bus.Attach(vbus.PortConfig{Name: "ecu"})
	srv := startServer(b, bus, WithClientBuffer(4096))
	c := dialAndHandshake(b, srv)
	go func() {
		buf := make([]byte, 64<<10)
		for {
			if _, err := c.Read(buf); err != nil {
				return
			}
		}
	}()
	_ = c.SetReadDeadline(time.Time{})
	frame := wire.EncodeCAN(wire.NewCANFrame(0x1, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = port.Publish(frame)
	}
}
