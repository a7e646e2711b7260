package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncTx funnels item writes through a single goroutine (fan-in). Enqueue
// never blocks: when the buffer cannot take the item (or the whole batch) the
// OnDrop hook runs and its error is returned.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.Send(item)        // or a.SendBatch(items)
//	a.Close()
//
// Sends after Close fail with ErrAsyncTxClosed. Items still buffered at Close
// are discarded.
type AsyncTx[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(T) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (item not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Send/SendBatch. If nil, the overflow is silent.
	OnDrop func() error
}

var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks) *AsyncTx[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case it, ok := <-a.ch:
			if !ok {
				return
			}
			if a.ctx.Err() != nil {
				return
			}
			if err := a.send(it); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues one item or returns the drop error if the buffer is full.
func (a *AsyncTx[T]) Send(it T) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- it:
		return nil
	default:
		return a.drop()
	}
}

// SendBatch queues all items or none. Free capacity is checked under the
// enqueue lock; the worker only removes items, so the check cannot go stale
// before the batch is in.
func (a *AsyncTx[T]) SendBatch(items []T) error {
	if len(items) == 0 {
		return nil
	}
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	if cap(a.ch)-len(a.ch) < len(items) {
		return a.drop()
	}
	for _, it := range items {
		a.ch <- it
	}
	return nil
}

func (a *AsyncTx[T]) drop() error {
	if a.hooks.OnDrop != nil {
		return a.hooks.OnDrop()
	}
	return nil
}

// Pending returns the number of items waiting for the worker.
func (a *AsyncTx[T]) Pending() int { return len(a.ch) }

// Capacity returns the buffer size.
func (a *AsyncTx[T]) Capacity() int { return cap(a.ch) }

// Stop refuses further sends and tells the worker to exit after the item it
// is sending, without waiting for it. Safe to call from inside send.
func (a *AsyncTx[T]) Stop() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
}

// Close stops the worker and waits for it to exit.
func (a *AsyncTx[T]) Close() {
	a.Stop()
	a.wg.Wait()
}
