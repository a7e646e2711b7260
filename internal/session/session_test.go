package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/nbuf"
	"github.com/kstaniek/go-vbus-driver/pkg/status"
)

func frame(i int) []byte { return []byte(fmt.Sprintf("frame-%03d", i)) }

type recorder struct {
	mu  sync.Mutex
	got [][]byte
}

func (r *recorder) cb(f []byte, _ any) {
	r.mu.Lock()
	r.got = append(r.got, append([]byte(nil), f...))
	r.mu.Unlock()
}

func (r *recorder) frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.got...)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBufferedReceiveFIFO(t *testing.T) {
	s := New("CAN:0")
	for i := 0; i < 3; i++ {
		s.Deliver(frame(i))
	}
	buf := make([]byte, 64)
	n, err := s.Receive(buf)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	want := append(append(frame(0), frame(1)...), frame(2)...)
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("got %q want %q", buf[:n], want)
	}
	if n, err := s.Receive(buf); n != 0 || err != nil {
		t.Fatalf("empty receive: %d %v", n, err)
	}
}

func TestReceiveProbeThenFill(t *testing.T) {
	s := New("CAN:0")
	s.Deliver(frame(7))
	_, err := s.Receive(nil)
	req, ok := status.RequiredSize(err)
	if !ok || req != uint64(len(frame(7))) {
		t.Fatalf("probe: %v", err)
	}
	if s.Pending() != 1 {
		t.Fatalf("probe consumed the frame")
	}
	got, err := nbuf.Negotiate(0, s.Receive)
	if err != nil || !bytes.Equal(got, frame(7)) {
		t.Fatalf("negotiated receive %q %v", got, err)
	}
}

func TestRegisterFlushesQueueBeforeReturn(t *testing.T) {
	s := New("CAN:0")
	for i := 0; i < 3; i++ {
		s.Deliver(frame(i))
	}
	rec := &recorder{}
	if err := s.SetCallback(rec.cb, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := rec.frames(); len(got) != 3 {
		t.Fatalf("flushed %d frames before return", len(got))
	}
	if s.Pending() != 0 || s.Mode() != Callback {
		t.Fatalf("pending=%d mode=%v", s.Pending(), s.Mode())
	}
	s.Deliver(frame(3))
	got := rec.frames()
	if len(got) != 4 {
		t.Fatalf("direct dispatch missing: %d", len(got))
	}
	for i, f := range got {
		if !bytes.Equal(f, frame(i)) {
			t.Fatalf("order: position %d got %q", i, f)
		}
	}
}

func TestRegisterFlushesAnyQueueLength(t *testing.T) {
	for _, n := range []int{0, 1, 2, 17, 500} {
		s := New("LIN:0")
		for i := 0; i < n; i++ {
			s.Deliver(frame(i))
		}
		rec := &recorder{}
		if err := s.SetCallback(rec.cb, nil); err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if len(rec.frames()) != n || s.Pending() != 0 {
			t.Fatalf("n=%d: delivered %d residue %d", n, len(rec.frames()), s.Pending())
		}
	}
}

func TestUnregisterInsideCallbackRequeuesBacklog(t *testing.T) {
	s := New("CAN:0")
	for i := 0; i < 3; i++ {
		s.Deliver(frame(i))
	}
	var calls int
	cb := func(f []byte, _ any) {
		calls++
		if err := s.SetCallback(nil, nil); err != nil {
			t.Errorf("unregister: %v", err)
		}
	}
	if err := s.SetCallback(cb, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback ran %d times after unregister", calls)
	}
	s.Deliver(frame(3))
	buf := make([]byte, 256)
	n, err := s.Receive(buf)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	want := bytes.Join([][]byte{frame(1), frame(2), frame(3)}, nil)
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("requeued order %q want %q", buf[:n], want)
	}
}

func TestReplaceCallbackKeepsBacklog(t *testing.T) {
	s := New("CAN:0")
	for i := 0; i < 4; i++ {
		s.Deliver(frame(i))
	}
	second := &recorder{}
	first := func(f []byte, _ any) {
		if bytes.Equal(f, frame(0)) {
			_ = s.SetCallback(second.cb, nil)
		}
	}
	if err := s.SetCallback(first, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := second.frames()
	if len(got) != 3 || !bytes.Equal(got[0], frame(1)) {
		t.Fatalf("replacement got %q", got)
	}
}

func TestReentrantCallback(t *testing.T) {
	s := New("CAN:0")
	var mu sync.Mutex
	var seen []string
	cb := func(f []byte, user any) {
		mu.Lock()
		seen = append(seen, string(f))
		mu.Unlock()
		if user != "ctx" {
			t.Errorf("user context %v", user)
		}
		// arrivals from inside the callback are dispatched after it, in order
		if bytes.Equal(f, frame(0)) {
			s.Deliver(frame(1))
			s.Deliver(frame(2))
		}
		if _, err := s.Receive(make([]byte, 16)); err != nil {
			t.Errorf("receive from callback: %v", err)
		}
	}
	if err := s.SetCallback(cb, "ctx"); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.Deliver(frame(0))
	waitUntil(t, "dispatcher idle", func() bool { return !s.busy() })
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(seen) != fmt.Sprint([]string{"frame-000", "frame-001", "frame-002"}) {
		t.Fatalf("seen %v", seen)
	}
}

// A slow callback under steady traffic must not keep the registering
// goroutine busy beyond the frames queued at registration.
func TestRegisterReturnsUnderSteadyArrivals(t *testing.T) {
	s := New("CAN:0")
	for i := 0; i < 3; i++ {
		s.Deliver(frame(i))
	}
	stop := make(chan struct{})
	var sent atomic.Int32
	sent.Store(3)
	var producer sync.WaitGroup
	producer.Add(1)
	go func() {
		defer producer.Done()
		for i := 3; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s.Deliver(frame(i))
			sent.Add(1)
			time.Sleep(200 * time.Microsecond)
		}
	}()

	rec := &recorder{}
	slow := func(f []byte, u any) {
		time.Sleep(time.Millisecond)
		rec.cb(f, u)
	}
	returned := make(chan int, 1)
	go func() {
		_ = s.SetCallback(slow, nil)
		returned <- len(rec.frames())
	}()
	select {
	case n := <-returned:
		if n < 3 {
			t.Fatalf("register returned after %d frames, want the 3 queued ones first", n)
		}
	case <-time.After(time.Second):
		close(stop)
		t.Fatalf("register still running after 1s with %d callbacks done", len(rec.frames()))
	}
	close(stop)
	producer.Wait()

	waitUntil(t, "backlog dispatched", func() bool { return int32(len(rec.frames())) == sent.Load() })
	for i, f := range rec.frames() {
		if !bytes.Equal(f, frame(i)) {
			t.Fatalf("order: position %d got %q", i, f)
		}
	}
}

// A publisher finding the session idle dispatches its own frame and nothing
// queued behind it by others.
func TestDeliverDispatchesOnlyItsOwnFrame(t *testing.T) {
	s := New("CAN:0")
	release := make(chan struct{})
	var calls atomic.Int32
	cb := func(f []byte, _ any) {
		if calls.Add(1) == 1 {
			<-release
		}
	}
	if err := s.SetCallback(cb, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	first := make(chan struct{})
	go func() { s.Deliver(frame(0)); close(first) }()
	waitUntil(t, "first callback", func() bool { return calls.Load() == 1 })
	for i := 1; i <= 5; i++ {
		s.Deliver(frame(i))
	}
	close(release)
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatalf("publisher held by later arrivals")
	}
	waitUntil(t, "remaining frames", func() bool { return calls.Load() == 6 && !s.busy() })
}

func TestCallbackPanicReleasesDispatcher(t *testing.T) {
	s := New("CAN:0")
	before := metrics.Snap().StatusErrors
	var ok atomic.Int32
	cb := func(f []byte, _ any) {
		if bytes.Equal(f, frame(0)) {
			panic("boom")
		}
		ok.Add(1)
	}
	if err := s.SetCallback(cb, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.Deliver(frame(0))
	s.Deliver(frame(1))
	s.Deliver(frame(2))
	if ok.Load() != 2 {
		t.Fatalf("dispatcher stuck after panic: %d", ok.Load())
	}
	if metrics.Snap().StatusErrors == before {
		t.Fatalf("panic not counted")
	}
}

func TestGateRejectsRegistration(t *testing.T) {
	var monitored atomic.Bool
	s := New("CAN:0", WithGate(monitored.Load))
	monitored.Store(true)
	if err := s.SetCallback((&recorder{}).cb, nil); !errors.Is(err, status.ErrMonitoringAlreadyStarted) {
		t.Fatalf("register while monitored: %v", err)
	}
	if err := s.SetCallback(nil, nil); !errors.Is(err, status.ErrMonitoringAlreadyStarted) {
		t.Fatalf("unregister while monitored: %v", err)
	}
	monitored.Store(false)
	if err := s.SetCallback((&recorder{}).cb, nil); err != nil {
		t.Fatalf("register after stop: %v", err)
	}
}

func TestQueueLimitRejectsArrival(t *testing.T) {
	s := New("ETH:0", WithQueueLimit(16))
	before := metrics.Snap().RxOverflow
	s.Deliver(make([]byte, 10))
	s.Deliver(make([]byte, 10))
	if s.Pending() != 1 {
		t.Fatalf("pending %d", s.Pending())
	}
	if metrics.Snap().RxOverflow-before != 1 {
		t.Fatalf("overflow not reported")
	}
}

func TestCloseDiscards(t *testing.T) {
	s := New("CAN:0")
	s.Deliver(frame(0))
	s.Close()
	s.Close()
	s.Deliver(frame(1))
	if _, err := s.Receive(make([]byte, 64)); !errors.Is(err, status.ErrInvalidHandle) {
		t.Fatalf("receive after close: %v", err)
	}
	if err := s.SetCallback((&recorder{}).cb, nil); !errors.Is(err, status.ErrInvalidHandle) {
		t.Fatalf("register after close: %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("residue after close: %d", s.Pending())
	}
}

// Arrivals race with repeated mode switches; every frame must come out
// exactly once, either through a callback or through receive, and each
// producer's frames must come out in the order it delivered them, including
// the ones unregister puts back at the front of the queue.
func TestModeSwitchExactlyOnceInOrder(t *testing.T) {
	const producers, perProducer = 4, 500
	s := New("CAN:0")
	var mu sync.Mutex
	seen := make(map[uint32]int)
	last := make([]int, producers)
	for p := range last {
		last[p] = -1
	}
	var misordered []string
	record := func(f []byte) {
		id := binary.BigEndian.Uint32(f)
		p, seq := int(id)/perProducer, int(id)%perProducer
		mu.Lock()
		seen[id]++
		if seq <= last[p] {
			misordered = append(misordered, fmt.Sprintf("producer %d: %d after %d", p, seq, last[p]))
		}
		last[p] = seq
		mu.Unlock()
	}
	cb := func(f []byte, _ any) { record(f) }
	drain := func() {
		buf := make([]byte, 4*64)
		for {
			n, err := s.Receive(buf)
			if err != nil {
				t.Errorf("receive: %v", err)
				return
			}
			if n == 0 {
				return
			}
			for off := 0; off < n; off += 4 {
				record(buf[off : off+4])
			}
		}
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			var b [4]byte
			for i := 0; i < perProducer; i++ {
				binary.BigEndian.PutUint32(b[:], uint32(p*perProducer+i))
				s.Deliver(b[:])
			}
		}(p)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		_ = s.SetCallback(cb, nil)
		_ = s.SetCallback(nil, nil)
		// a callback already running when unregister returned completes first
		waitUntil(t, "in-flight callback", func() bool { return !s.busy() })
		drain()
	}
	drain()

	mu.Lock()
	defer mu.Unlock()
	if len(misordered) > 0 {
		t.Fatalf("%d frames out of order, first: %s", len(misordered), misordered[0])
	}
	if len(seen) != producers*perProducer {
		t.Fatalf("saw %d distinct frames, want %d", len(seen), producers*perProducer)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("frame %d delivered %d times", id, n)
		}
	}
}

func BenchmarkDeliverCallback(b *testing.B) {
	s := New("CAN:0")
	_ = s.SetCallback(func([]byte, any) {}, nil)
	f := frame(1)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s.Deliver(f)
	}
}
