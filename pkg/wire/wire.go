// Package wire defines bus type tags and the batch formats exchanged with an
// interface: how a batch splits into frames, what makes a frame valid, and
// which frames may be reordered by priority.
//
// A batch is the concatenation of encoded frames. Every encoded frame is
// self-delimiting, so concatenating frames (or batches) yields a valid batch.
//
// CAN batches use the cannelloni frame encoding (4-byte big-endian CAN ID,
// one length byte whose high bit flags FD, payload). All other bus types use a
// 4-byte big-endian length prefix followed by the frame bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/kstaniek/go-vbus-driver/pkg/status"
)

// BusType tags the protocol family of a bus or interface.
type BusType uint8

const (
	CAN BusType = iota + 1
	LIN
	FlexRay
	Ethernet
	Custom
)

var busNames = map[BusType]string{
	CAN:      "CAN",
	LIN:      "LIN",
	FlexRay:  "FLEXRAY",
	Ethernet: "ETHERNET",
	Custom:   "CUSTOM",
}

func (t BusType) String() string {
	if n, ok := busNames[t]; ok {
		return n
	}
	return fmt.Sprintf("BUS(%d)", uint8(t))
}

// Valid reports whether t is one of the known bus types.
func (t BusType) Valid() bool { _, ok := busNames[t]; return ok }

// ParseBusType accepts the names returned by String, case-insensitively.
func ParseBusType(s string) (BusType, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	for t, n := range busNames {
		if n == u {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown bus type %q", s)
}

// Limits bound what a single frame may carry on a particular interface.
type Limits struct {
	// MaxFrame is the largest frame body in bytes (payload for CAN).
	MaxFrame int
	// FD allows CAN FD frames.
	FD bool
}

// Format is the per-bus-type batch codec.
type Format interface {
	Type() BusType
	// Split returns the encoded frames of batch in order. Each element aliases
	// batch. A batch that does not split cleanly is an InvalidFrame.
	Split(batch []byte) ([][]byte, error)
	// Check validates one encoded frame against lim.
	Check(frame []byte, lim Limits) error
	// Priority returns the arbitration priority of an encoded frame (lower is
	// more urgent) and whether frames of this bus type may be reordered.
	Priority(frame []byte) (uint32, bool)
}

// Errors returned (wrapped in an InvalidFrame status) by Split and Check.
var (
	ErrTruncated = errors.New("wire: truncated frame")
	ErrTooLarge  = errors.New("wire: frame exceeds interface limit")
	ErrTooShort  = errors.New("wire: frame too short")
	ErrField     = errors.New("wire: field out of range")
)

// ForType returns the Format for t, or nil for an unknown type.
func ForType(t BusType) Format {
	switch t {
	case CAN:
		return canFormat{}
	case LIN:
		return linFormat{}
	case FlexRay:
		return flexRayFormat{}
	case Ethernet:
		return ethernetFormat{}
	case Custom:
		return customFormat{}
	default:
		return nil
	}
}

// DefaultLimits returns the limits used when an interface configuration does
// not narrow them.
func DefaultLimits(t BusType) Limits {
	switch t {
	case CAN:
		return Limits{MaxFrame: 8}
	case LIN:
		return Limits{MaxFrame: 1 + MaxLINPayload}
	case FlexRay:
		return Limits{MaxFrame: flexRayHeader + MaxFlexRayPayload}
	case Ethernet:
		return Limits{MaxFrame: MaxEthernetFrame}
	default:
		return Limits{MaxFrame: DefaultCustomFrame}
	}
}

func invalid(op string, err error) error { return status.Wrap(status.InvalidFrame, op, err) }

// Append encodes one frame body in the length-prefixed format and appends it
// to dst. It is the encoder for every bus type except CAN.
func Append(dst, frame []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	dst = append(dst, hdr[:]...)
	return append(dst, frame...)
}

// Body strips the length prefix from an encoded non-CAN frame.
func Body(frame []byte) []byte {
	if len(frame) < 4 {
		return nil
	}
	return frame[4:]
}

// splitPrefixed splits a length-prefixed batch.
func splitPrefixed(batch []byte) ([][]byte, error) {
	var out [][]byte
	for off := 0; off < len(batch); {
		if len(batch)-off < 4 {
			return nil, invalid("split", ErrTruncated)
		}
		// compared unconverted: int(n) may go negative on 32-bit platforms
		n := binary.BigEndian.Uint32(batch[off:])
		if uint64(n) > uint64(len(batch)-off-4) {
			return nil, invalid("split", ErrTruncated)
		}
		end := off + 4 + int(n)
		out = append(out, batch[off:end:end])
		off = end
	}
	return out, nil
}

// checkBody applies the size bound shared by the length-prefixed formats.
func checkBody(body []byte, minLen int, lim Limits) error {
	if len(body) < minLen {
		return invalid("check", fmt.Errorf("%w: %d < %d", ErrTooShort, len(body), minLen))
	}
	if lim.MaxFrame > 0 && len(body) > lim.MaxFrame {
		return invalid("check", fmt.Errorf("%w: %d > %d", ErrTooLarge, len(body), lim.MaxFrame))
	}
	return nil
}
