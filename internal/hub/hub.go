// Package hub fans frames published on one virtual bus out to the members
// attached to it: driver interfaces, bridge clients and passive observers.
package hub

import (
	"sync"

	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
)

// Message is one frame published on a bus.
type Message struct {
	// From identifies the publishing member; 0 for frames entering through a bridge.
	From uint64
	// At is the simulation time of publication in nanoseconds.
	At uint64
	// Data is one encoded frame in the bus wire format. Shared between
	// members; read-only.
	Data []byte
}

// Member receives published messages. Deliver must not block; false reports
// that the member could not take the message.
type Member interface {
	Deliver(Message) bool
}

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Client is a channel-backed member used by bridges. A client with a
// non-zero Origin does not receive the messages it published itself.
type Client struct {
	Out       chan Message
	Closed    chan struct{}
	Origin    uint64
	closeOnce sync.Once
}

// NewClient returns a client with an outbound buffer of n messages.
func NewClient(n int, origin uint64) *Client {
	return &Client{Out: make(chan Message, n), Closed: make(chan struct{}), Origin: origin}
}

// Deliver queues m without blocking.
func (c *Client) Deliver(m Message) bool {
	if c.Origin != 0 && m.From == c.Origin {
		return true
	}
	select {
	case c.Out <- m:
		return true
	default:
		return false
	}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu        sync.RWMutex
	members   map[Member]struct{}
	clients   int
	observers map[uint64]func(Message)
	nextObs   uint64
	Policy    BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub {
	return &Hub{members: make(map[Member]struct{}), observers: make(map[uint64]func(Message))}
}

// Add attaches a member.
func (h *Hub) Add(m Member) {
	h.mu.Lock()
	if _, dup := h.members[m]; dup {
		h.mu.Unlock()
		return
	}
	h.members[m] = struct{}{}
	first := false
	if _, ok := m.(*Client); ok {
		h.clients++
		first = h.clients == 1
	}
	h.mu.Unlock()
	if first {
		logging.L().Info("clients_first_connected")
	}
}

// Remove detaches a member; safe to call multiple times. Removed clients are
// closed.
func (h *Hub) Remove(m Member) {
	h.mu.Lock()
	_, existed := h.members[m]
	if existed {
		delete(h.members, m)
	}
	c, isClient := m.(*Client)
	if existed && isClient {
		h.clients--
	}
	cur := h.clients
	h.mu.Unlock()
	if !isClient {
		return
	}
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Observe registers fn to see every message before members do. The returned
// func unregisters it.
func (h *Hub) Observe(fn func(Message)) (cancel func()) {
	h.mu.Lock()
	h.nextObs++
	id := h.nextObs
	h.observers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.observers, id)
		h.mu.Unlock()
	}
}

// Broadcast hands m to every observer and member honoring the backpressure
// policy for members that cannot take it. Nothing is called with the hub
// lock held.
func (h *Hub) Broadcast(m Message) {
	members, observers := h.snapshot()
	metrics.SetBroadcastFanout(len(members))
	h.sampleDepth(members)
	for _, fn := range observers {
		fn(m)
	}
	for _, mb := range members {
		if mb.Deliver(m) {
			continue
		}
		c, ok := mb.(*Client)
		if ok && h.Policy == PolicyKick {
			metrics.IncHubKick()
			c.Close() // writer exits; the bridge removes the client on disconnect
		} else {
			metrics.IncHubDrop()
		}
	}
}

func (h *Hub) sampleDepth(members []Member) {
	maxDepth, sum, n := 0, 0, 0
	for _, mb := range members {
		c, ok := mb.(*Client)
		if !ok {
			continue
		}
		l := len(c.Out)
		if l > maxDepth {
			maxDepth = l
		}
		sum += l
		n++
	}
	if n > 0 {
		metrics.SetQueueDepth(maxDepth, sum/n)
	}
}

func (h *Hub) snapshot() ([]Member, []func(Message)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]Member, 0, len(h.members))
	for m := range h.members {
		members = append(members, m)
	}
	observers := make([]func(Message), 0, len(h.observers))
	for _, fn := range h.observers {
		observers = append(observers, fn)
	}
	return members, observers
}

// Snapshot returns a copy of the current members (read-only use).
func (h *Hub) Snapshot() []Member {
	m, _ := h.snapshot()
	return m
}

// Count returns the number of attached members.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.members); h.mu.RUnlock(); return n }

// Clients returns the number of attached bridge clients.
func (h *Hub) Clients() int { h.mu.RLock(); n := h.clients; h.mu.RUnlock(); return n }
