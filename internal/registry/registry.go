// Package registry maps integer handles to live objects.
package registry

import (
	"math"
	"slices"
	"sync"

	"github.com/kstaniek/go-vbus-driver/pkg/status"
)

// Handle identifies a registered object. Invalid is never issued.
type Handle = int32

const Invalid Handle = -1

// Registry issues handles from a monotonically increasing counter starting at
// 1. A handle is never issued twice while it is live; once the counter would
// overflow it wraps and skips handles still in use.
type Registry[V any] struct {
	mu    sync.RWMutex
	items map[Handle]V
	next  Handle
}

func New[V any]() *Registry[V] {
	return &Registry[V]{items: make(map[Handle]V), next: 1}
}

// Insert registers v and returns its fresh handle.
func (r *Registry[V]) Insert(v V) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) >= math.MaxInt32 {
		return Invalid, status.Errorf(status.VendorInternal, "register", "handle space exhausted")
	}
	for {
		h := r.next
		if r.next == math.MaxInt32 {
			r.next = 1
		} else {
			r.next++
		}
		if _, live := r.items[h]; !live {
			r.items[h] = v
			return h, nil
		}
	}
}

// Get returns the object for h or InvalidHandle.
func (r *Registry[V]) Get(h Handle) (V, error) {
	r.mu.RLock()
	v, ok := r.items[h]
	r.mu.RUnlock()
	if !ok {
		var zero V
		return zero, status.New(status.InvalidHandle, "lookup")
	}
	return v, nil
}

// Remove unregisters h and returns its object. A second Remove of the same
// handle fails with InvalidHandle.
func (r *Registry[V]) Remove(h Handle) (V, error) {
	r.mu.Lock()
	v, ok := r.items[h]
	if ok {
		delete(r.items, h)
	}
	r.mu.Unlock()
	if !ok {
		var zero V
		return zero, status.New(status.InvalidHandle, "close")
	}
	return v, nil
}

// Len returns the number of live handles.
func (r *Registry[V]) Len() int { r.mu.RLock(); n := len(r.items); r.mu.RUnlock(); return n }

// Snapshot returns the live handles and objects, ordered by handle.
func (r *Registry[V]) Snapshot() ([]Handle, []V) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := make([]Handle, 0, len(r.items))
	for h := range r.items {
		hs = append(hs, h)
	}
	slices.Sort(hs)
	vs := make([]V, len(hs))
	for i, h := range hs {
		vs[i] = r.items[h]
	}
	return hs, vs
}
