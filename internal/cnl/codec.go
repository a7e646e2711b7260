package cnl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
)

// Wire layout of one frame: 4-byte BE can_id (SocketCAN flags included),
// 1 length byte (low 7 bits length, high bit FD), payload.
const (
	headerLen = 5
	lenFD     = 0x80
)

var (
	ErrInvalidLength  = errors.New("cannelloni: invalid length")
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
)

// Codec is stateless and safe for concurrent use.
type Codec struct{}

// FrameSize is the encoded size of f.
func FrameSize(f can.Frame) int { return headerLen + int(f.Len&0x7F) }

func (c *Codec) Size(frames []can.Frame) int {
	n := 0
	for _, f := range frames {
		n += FrameSize(f)
	}
	return n
}

// Append appends the encoding of frames to dst.
func (c *Codec) Append(dst []byte, frames ...can.Frame) []byte {
	for _, f := range frames {
		ln := f.Len & 0x7F
		lb := ln
		if f.FD {
			lb |= lenFD
		}
		dst = binary.BigEndian.AppendUint32(dst, f.CANID)
		dst = append(dst, lb)
		dst = append(dst, f.Data[:ln]...)
	}
	return dst
}

// Encode returns frames as one packet; nil for no frames.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	return c.Append(make([]byte, 0, c.Size(frames)), frames...)
}

// header fills id and flags from a 5-byte header and returns the payload
// length.
func header(h []byte, f *can.Frame) (int, error) {
	f.CANID = binary.BigEndian.Uint32(h[:4])
	f.FD = h[4]&lenFD != 0
	ln := int(h[4] & 0x7F)
	limit := can.MaxClassicLen
	if f.FD {
		limit = can.MaxFDLen
	}
	if ln > limit {
		metrics.IncMalformed()
		return 0, fmt.Errorf("%w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	return ln, nil
}

// Parse decodes the frame at the start of b and returns it with the number of
// bytes it occupies.
func (c *Codec) Parse(b []byte) (can.Frame, int, error) {
	var f can.Frame
	if len(b) < headerLen {
		metrics.IncMalformed()
		return f, 0, ErrTruncatedFrame
	}
	ln, err := header(b, &f)
	if err != nil {
		return f, 0, err
	}
	if len(b) < headerLen+ln {
		metrics.IncMalformed()
		return f, 0, ErrTruncatedFrame
	}
	copy(f.Data[:ln], b[headerLen:])
	return f, headerLen + ln, nil
}

// DecodeAll decodes a complete buffer. Trailing bytes that do not form a
// whole frame are reported as ErrTruncatedFrame.
func (c *Codec) DecodeAll(b []byte) ([]can.Frame, error) {
	var out []can.Frame
	for len(b) > 0 {
		fr, n, err := c.Parse(b)
		if err != nil {
			return out, fmt.Errorf("cannelloni decode: %w", err)
		}
		out = append(out, fr)
		b = b[n:]
	}
	return out, nil
}

// Decode reads exactly one frame from r. io.EOF means r ended on a frame
// boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var h [headerLen]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode header: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	ln, err := header(h[:], &f)
	if err != nil {
		return f, fmt.Errorf("cannelloni decode: %w", err)
	}
	if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = ErrTruncatedFrame
		}
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	return f, nil
}

// DecodeN decodes up to max frames (until the stream ends when max <= 0),
// handing each to onFrame. The terminal error may be io.EOF.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	n := 0
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
