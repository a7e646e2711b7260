package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/serial"
	"github.com/kstaniek/go-vbus-driver/internal/socketcan"
	"github.com/kstaniek/go-vbus-driver/pkg/vbus"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

// fakeSerialPort replays reads, then reports read timeouts (EOF).
type fakeSerialPort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes [][]byte
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.reads) {
		time.Sleep(5 * time.Millisecond)
		return 0, io.EOF
	}
	n := copy(p, f.reads[f.idx])
	f.idx++
	return n, nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) written() int { f.mu.Lock(); defer f.mu.Unlock(); return len(f.writes) }

// uartEnvelope builds an adapter RX frame: 2D D4 len ID(4) payload checksum.
func uartEnvelope(id uint32, payload ...byte) []byte {
	data := []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	data = append(data, payload...)
	out := []byte{0x2D, 0xD4, byte(len(data) + 1)}
	sum := out[2] + 0x2D
	for _, b := range data {
		sum += b
	}
	out = append(out, data...)
	return append(out, sum)
}

type portSink struct {
	mu  sync.Mutex
	got []vbus.Frame
}

func (s *portSink) deliver(f vbus.Frame) { s.mu.Lock(); s.got = append(s.got, f); s.mu.Unlock() }

func (s *portSink) frames() []vbus.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vbus.Frame(nil), s.got...)
}

func newBus(t *testing.T) *vbus.Bus {
	t.Helper()
	sim := vbus.New()
	b, err := sim.AddBus(vbus.BusConfig{Name: "CAN:0", Type: wire.CAN})
	if err != nil {
		t.Fatalf("add bus: %v", err)
	}
	sim.Start()
	return b
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSerialBridgeInjectsAndForwards(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fp := &fakeSerialPort{reads: [][]byte{uartEnvelope(0x123, 0xAA, 0xBB)}}
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return fp, nil }
	defer func() { openSerialPort = serial.Open }()

	bus := newBus(t)
	var rx portSink
	port := bus.Attach(vbus.PortConfig{Name: "ecu", Deliver: rx.deliver})

	var wg sync.WaitGroup
	link, cleanup, err := Serial(ctx, bus, SerialConfig{Device: "fake", Baud: 115200, ReadTimeout: time.Millisecond}, &wg)
	if err != nil {
		t.Fatalf("Serial: %v", err)
	}
	waitUntil(t, "injected frame", func() bool { return len(rx.frames()) == 1 })
	got := rx.frames()[0]
	if got.From != link.Origin() {
		t.Fatalf("origin %d, want %d", got.From, link.Origin())
	}
	frs, err := wire.DecodeCAN(got.Data)
	if err != nil || len(frs) != 1 || frs[0].ArbitrationID() != 0x123 || frs[0].Len != 2 {
		t.Fatalf("injected %+v, %v", frs, err)
	}

	// a frame sent by a port reaches the adapter, bridge frames are not echoed
	if err := port.Publish(wire.EncodeCAN(wire.NewCANFrame(0x10, []byte{1}))); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitUntil(t, "adapter write", func() bool { return fp.written() == 1 })
	// FD frames do not fit the adapter protocol
	_ = port.Publish(wire.EncodeCAN(wire.NewCANFrame(0x11, make([]byte, 12))))
	if link.Dropped() != 1 {
		t.Fatalf("dropped %d", link.Dropped())
	}

	cancel()
	cleanup()
	wg.Wait()
	if snap := metrics.Snap(); snap.SerialRx == 0 || snap.SerialTx == 0 {
		t.Fatalf("serial counters rx=%d tx=%d", snap.SerialRx, snap.SerialTx)
	}
}

// fakeErrPort always fails to trigger backoff.
type fakeErrPort struct{}

func (fakeErrPort) Read([]byte) (int, error)    { return 0, io.ErrNoProgress }
func (fakeErrPort) Write(p []byte) (int, error) { return len(p), nil }
func (fakeErrPort) Close() error                { return nil }

func TestSerialBridgeBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return fakeErrPort{}, nil }
	defer func() { openSerialPort = serial.Open }()

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) < 8 {
			seen = append(seen, d)
			if len(seen) == 8 {
				cancel()
			}
		}
	}
	defer func() { sleepFn = time.Sleep }()

	var wg sync.WaitGroup
	_, cleanup, err := Serial(ctx, newBus(t), SerialConfig{Device: "fake", Baud: 9600}, &wg)
	if err != nil {
		t.Fatalf("Serial: %v", err)
	}
	wg.Wait()
	cleanup()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 || seen[0] != rxBackoffMin {
		t.Fatalf("backoff samples %v", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] || seen[i] > rxBackoffMax {
			t.Fatalf("backoff %d: %v after %v", i, seen[i], seen[i-1])
		}
	}
	if seen[len(seen)-1] != rxBackoffMax {
		t.Fatalf("backoff never reached max: %v", seen)
	}
}

// blockingPort never finishes a write, so the writer buffer fills up.
type blockingPort struct{ block chan struct{} }

func (p *blockingPort) Read([]byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	return 0, io.EOF
}
func (p *blockingPort) Write(b []byte) (int, error) { <-p.block; return len(b), nil }
func (p *blockingPort) Close() error                { close(p.block); return nil }

func TestSerialBridgeOverflowDropsWithoutBlockingTheBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bp := &blockingPort{block: make(chan struct{})}
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return bp, nil }
	defer func() { openSerialPort = serial.Open }()
	before := metrics.Snap().Errors

	bus := newBus(t)
	port := bus.Attach(vbus.PortConfig{Name: "ecu"})
	var wg sync.WaitGroup
	link, cleanup, err := Serial(ctx, bus, SerialConfig{Device: "fake", Baud: 115200, TxQueue: 4}, &wg)
	if err != nil {
		t.Fatalf("Serial: %v", err)
	}
	defer cleanup()
	for i := 0; i < 10; i++ {
		if err := port.Publish(wire.EncodeCAN(wire.NewCANFrame(uint32(i), nil))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if link.Dropped() == 0 {
		t.Fatalf("expected drops on a full writer")
	}
	if metrics.Snap().Errors == before {
		t.Fatalf("expected overflow to be counted")
	}
}

type fakeSocketDev struct {
	mu     sync.Mutex
	frames []can.Frame
	idx    int
	writes []can.Frame
}

func (d *fakeSocketDev) ReadFrame(fr *can.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx < len(d.frames) {
		*fr = d.frames[d.idx]
		d.idx++
		return nil
	}
	return io.ErrUnexpectedEOF
}

func (d *fakeSocketDev) WriteFrame(fr can.Frame) error {
	d.mu.Lock()
	d.writes = append(d.writes, fr)
	d.mu.Unlock()
	return nil
}

func (d *fakeSocketDev) Close() error { return nil }

func TestSocketCANBridge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fr := can.Frame{CANID: 0x555, Len: 3, Data: [64]byte{1, 2, 3}}
	dev := &fakeSocketDev{frames: []can.Frame{fr}}
	openSocketCANDevice = func(string) (socketcan.Dev, error) { return dev, nil }
	defer func() { openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) } }()
	sleepFn = func(time.Duration) { time.Sleep(time.Millisecond) }
	defer func() { sleepFn = time.Sleep }()

	bus := newBus(t)
	var rx portSink
	port := bus.Attach(vbus.PortConfig{Name: "ecu", Deliver: rx.deliver})
	before := metrics.Snap().Errors
	var wg sync.WaitGroup
	_, cleanup, err := SocketCAN(ctx, bus, "vcan0", 0, &wg)
	if err != nil {
		t.Fatalf("SocketCAN: %v", err)
	}
	waitUntil(t, "socketcan frame", func() bool { return len(rx.frames()) == 1 })
	if err := port.Publish(wire.EncodeCAN(wire.NewCANFrame(0x10, []byte{9}))); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitUntil(t, "device write", func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return len(dev.writes) == 1 && dev.writes[0].Data[0] == 9
	})
	waitUntil(t, "read error count", func() bool { return metrics.Snap().Errors > before })
	cancel()
	cleanup()
	wg.Wait()
}

func TestOpenFailure(t *testing.T) {
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return nil, errors.New("no device") }
	defer func() { openSerialPort = serial.Open }()
	var wg sync.WaitGroup
	if _, cleanup, err := Serial(context.Background(), newBus(t), SerialConfig{}, &wg); err == nil {
		t.Fatalf("expected open error")
	} else {
		cleanup()
	}
}
