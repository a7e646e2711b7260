package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
)

// Adapter envelope: preamble, length, body, checksum. The length byte counts
// the body plus the checksum; the checksum is the low byte of
// preamble[0] + length + sum(body).
const (
	preamble0 = 0x2D
	preamble1 = 0xD4

	opSendExt = 2 // transmit with a 29-bit identifier

	// received bodies are ID(4) + payload(2..8)
	minRxLen = 4 + 2 + 1
	maxRxLen = 4 + can.MaxClassicLen + 1

	compactMin = 1024
)

// Codec speaks the UART protocol of the serial CAN adapter. Only classic
// frames are representable.
type Codec struct{}

// CompactBuffer replaces the storage of b once the unread part is less than
// a quarter of its capacity. It reports whether b was compacted.
func CompactBuffer(b *bytes.Buffer) bool {
	if b.Len() < compactMin || b.Len()*4 >= b.Cap() {
		return false
	}
	*b = *bytes.NewBuffer(bytes.Clone(b.Bytes()))
	return true
}

func envelope(body []byte) []byte {
	out := make([]byte, 0, len(body)+4)
	out = append(out, preamble0, preamble1, byte(len(body)+1))
	sum := out[2] + preamble0
	for _, b := range body {
		sum += b
	}
	out = append(out, body...)
	return append(out, sum)
}

// Encode wraps fr in a transmit request. Identifiers always go out in the
// extended form.
func (Codec) Encode(fr can.Frame) []byte {
	id := fr.CANID
	if fr.Extended() {
		id &= can.CAN_EFF_MASK
	}
	body := make([]byte, 6, 6+fr.Len)
	body[0] = opSendExt
	body[1] = 0x80 | fr.Len
	binary.BigEndian.PutUint32(body[2:], id)
	body = append(body, fr.Payload()...)
	return envelope(body)
}

// DecodeStream consumes every complete envelope buffered in in and emits the
// frames it carries. Garbage and corrupt envelopes are skipped one byte at a
// time until the stream realigns on a preamble. A trailing partial envelope
// stays in in. The error is always nil.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	head := []byte{preamble0, preamble1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, head)
		switch {
		case i < 0:
			// the last byte may be the first half of the next preamble
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		case i > 0:
			in.Next(i)
			continue
		}
		if len(data) < 4 {
			return nil
		}
		ln := int(data[2])
		if ln < minRxLen || ln > maxRxLen {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return nil
		}
		sum := uint(preamble0) + uint(data[2])
		for _, b := range data[3 : total-1] {
			sum += uint(b)
		}
		if byte(sum) != data[total-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		var fr can.Frame
		fr.CANID = binary.BigEndian.Uint32(data[3:7]) | can.CAN_EFF_FLAG
		fr.Len = uint8(copy(fr.Data[:], data[7:total-1]))
		out(fr)
		metrics.IncSerialRx()
		in.Next(total)
	}
}
