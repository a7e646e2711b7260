// Package queue holds received arrivals for a buffered-mode session.
package queue

import (
	"sync"

	"github.com/kstaniek/go-vbus-driver/pkg/status"
)

// Queue is a byte-accounted FIFO of arrivals. Each entry is one arrival and is
// only ever handed out whole. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	entries [][]byte
	bytes   int
	limit   int // 0 = unlimited
}

// New returns a queue that rejects arrivals once limit bytes are held.
// A limit <= 0 disables the bound.
func New(limit int) *Queue {
	if limit < 0 {
		limit = 0
	}
	return &Queue{limit: limit}
}

// Append copies entry onto the tail. An arrival that would push the queue past
// its byte limit is rejected with status.ErrRxOverflow and nothing is stored.
func (q *Queue) Append(entry []byte) error {
	e := append([]byte(nil), entry...)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && q.bytes+len(e) > q.limit {
		return status.Errorf(status.VendorRxOverflow, "queue_append", "%d queued + %d > limit %d", q.bytes, len(e), q.limit)
	}
	q.entries = append(q.entries, e)
	q.bytes += len(e)
	return nil
}

// DrainInto copies as many whole entries as fit into dst, oldest first, and
// removes exactly those. An empty queue yields (0, nil). When the oldest entry
// alone is larger than dst the queue is left untouched and BufferTooSmall
// carries the oldest entry's size.
func (q *Queue) DrainInto(dst []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return 0, nil
	}
	if first := len(q.entries[0]); first > len(dst) {
		return 0, status.TooSmall("receive", uint64(first))
	}
	n, taken := 0, 0
	for _, e := range q.entries {
		if n+len(e) > len(dst) {
			break
		}
		n += copy(dst[n:], e)
		taken++
	}
	q.drop(taken)
	return n, nil
}

// drop removes the first k entries. Caller holds mu.
func (q *Queue) drop(k int) {
	for i := 0; i < k; i++ {
		q.bytes -= len(q.entries[i])
		q.entries[i] = nil
	}
	q.entries = q.entries[k:]
	if len(q.entries) == 0 {
		q.entries = nil
	}
}

// TakeAll removes and returns every entry in FIFO order.
func (q *Queue) TakeAll() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	q.bytes = 0
	return out
}

// PushFront puts entries back ahead of everything queued, keeping their order.
// The byte limit is not applied: these arrivals were already accepted once.
func (q *Queue) PushFront(entries [][]byte) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([][]byte, 0, len(entries)+len(q.entries))
	merged = append(merged, entries...)
	merged = append(merged, q.entries...)
	q.entries = merged
	for _, e := range entries {
		q.bytes += len(e)
	}
}

// Reset discards all entries and returns how many were dropped.
func (q *Queue) Reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	q.bytes = 0
	return n
}

// Len returns the number of queued entries.
func (q *Queue) Len() int { q.mu.Lock(); n := len(q.entries); q.mu.Unlock(); return n }

// Bytes returns the number of queued payload bytes.
func (q *Queue) Bytes() int { q.mu.Lock(); n := q.bytes; q.mu.Unlock(); return n }

// Front returns the size of the oldest entry, or 0 when empty.
func (q *Queue) Front() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return 0
	}
	return len(q.entries[0])
}
