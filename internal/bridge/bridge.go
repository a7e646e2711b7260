// Package bridge connects a virtual CAN bus to a physical CAN endpoint, a
// serial adapter or a SocketCAN interface. Frames published on the bus are
// written to the endpoint; frames read from the endpoint are injected into
// the bus.
package bridge

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/hub"
	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/internal/transport"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

const (
	DefaultTxQueue  = 1024 // endpoint writer buffer (frames)
	readBufSize     = 4096
	reclaimBufBytes = 16 * 1024 // drop the serial accumulator once drained past this
	rxBackoffMin    = 20 * time.Millisecond
	rxBackoffMax    = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Bus is the virtual CAN bus side of a bridge (*vbus.Bus).
type Bus interface {
	Name() string
	Hub() *hub.Hub
	NewOrigin() uint64
	Inject(origin uint64, data []byte) error
}

// Link is the bus-side half of a bridge. As a hub member it forwards every
// frame published by someone else to the endpoint writer.
type Link struct {
	bus     Bus
	origin  uint64
	sink    transport.FrameSink
	kind    string
	dropped atomic.Uint64
}

func attach(bus Bus, sink transport.FrameSink, kind string) *Link {
	l := &Link{bus: bus, origin: bus.NewOrigin(), sink: sink, kind: kind}
	bus.Hub().Add(l)
	return l
}

// Deliver implements hub.Member. It never blocks: the endpoint writer
// refuses frames it cannot buffer.
func (l *Link) Deliver(m hub.Message) bool {
	if m.From == l.origin {
		return true
	}
	frames, err := wire.DecodeCAN(m.Data)
	if err != nil {
		metrics.IncMalformed()
		return true
	}
	for _, fr := range frames {
		if err := l.sink.SendFrame(fr); err != nil {
			l.dropped.Add(1)
			logging.L().Debug("bridge_tx_drop", "bridge", l.kind, "bus", l.bus.Name(),
				"can_id", fmt.Sprintf("0x%X", fr.CANID), "error", err)
		}
	}
	return true
}

func (l *Link) inject(fr can.Frame) {
	if err := l.bus.Inject(l.origin, wire.EncodeCAN(fr)); err != nil {
		metrics.IncError(metrics.ErrBusPublish)
		logging.L().Debug("bridge_inject_drop", "bridge", l.kind, "bus", l.bus.Name(), "error", err)
	}
}

func (l *Link) detach() { l.bus.Hub().Remove(l) }

// Origin is the publisher id frames read from the endpoint carry on the bus.
func (l *Link) Origin() uint64 { return l.origin }

// Dropped counts bus frames the endpoint writer refused.
func (l *Link) Dropped() uint64 { return l.dropped.Load() }

// backoff doubles d up to rxBackoffMax.
func backoff(d time.Duration) time.Duration {
	d *= 2
	if d > rxBackoffMax {
		return rxBackoffMax
	}
	return d
}
