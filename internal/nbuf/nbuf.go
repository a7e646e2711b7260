// Package nbuf implements the probe-then-fill protocol used by every
// operation that returns a variable amount of data into caller memory.
//
// The caller's capacity is len(dst). A nil dst means "perform the effect, do
// not report data". A dst that is too short yields status.BufferTooSmall with
// the exact size that would have succeeded and leaves the source untouched.
package nbuf

import (
	"github.com/kstaniek/go-vbus-driver/pkg/status"
)

// maxAttempts bounds Negotiate when the source keeps growing between calls.
const maxAttempts = 4

// Fill copies src into dst following the protocol and returns the number of
// bytes written.
func Fill(op string, dst, src []byte) (int, error) {
	if dst == nil {
		return 0, nil
	}
	if len(dst) < len(src) {
		return 0, status.TooSmall(op, uint64(len(src)))
	}
	return copy(dst, src), nil
}

// Call is one invocation of a negotiated operation.
type Call func(dst []byte) (int, error)

// Negotiate drives a Call from the caller side: it tries with an initial
// capacity, resizes to the reported requirement on BufferTooSmall and retries.
// Under stable conditions it needs at most one extra call.
func Negotiate(initial int, call Call) ([]byte, error) {
	if initial < 0 {
		initial = 0
	}
	buf := make([]byte, initial)
	var err error
	for i := 0; i < maxAttempts; i++ {
		var n int
		n, err = call(buf)
		if err == nil {
			return buf[:n], nil
		}
		req, ok := status.RequiredSize(err)
		if !ok {
			return nil, err
		}
		buf = make([]byte, req)
	}
	return nil, err
}
