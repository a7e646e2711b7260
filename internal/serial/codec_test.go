package serial

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
)

// rxEnvelope builds what the adapter sends for a received frame.
func rxEnvelope(id uint32, payload []byte) []byte {
	body := binary.BigEndian.AppendUint32(nil, id&can.CAN_EFF_MASK)
	return envelope(append(body, payload...))
}

func ext(id uint32, data ...byte) can.Frame {
	var fr can.Frame
	fr.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	fr.Len = uint8(copy(fr.Data[:], data))
	return fr
}

func TestDecodeStreamChunked(t *testing.T) {
	want := []can.Frame{
		ext(0x0001E5A, 0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7),
		ext(0x0001F55, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6),
		ext(0x0123456, 0x9A, 0xBC),
	}
	var stream []byte
	stream = append(stream, 0x00, 0x2D, 0x11) // leading noise
	for _, fr := range want {
		stream = append(stream, rxEnvelope(fr.CANID, fr.Payload())...)
	}

	var buf bytes.Buffer
	var got []can.Frame
	sizes := []int{1, 2, 3, 5, 7, 11}
	for pos, i := 0, 0; pos < len(stream); i++ {
		n := min(sizes[i%len(sizes)], len(stream)-pos)
		buf.Write(stream[pos : pos+n])
		pos += n
		if err := (Codec{}).DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr.CopyShallow()) }); err != nil {
			t.Fatalf("DecodeStream: %v", err)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].CANID != want[i].CANID || !bytes.Equal(got[i].Payload(), want[i].Payload()) {
			t.Fatalf("frame %d: got id=0x%X % X, want id=0x%X % X",
				i, got[i].CANID, got[i].Payload(), want[i].CANID, want[i].Payload())
		}
	}
}

func TestDecodeStreamCountsCorruptEnvelopes(t *testing.T) {
	before := metrics.Snap().Malformed
	bad := rxEnvelope(1, []byte{0xAA, 0xBB})
	bad[len(bad)-1] ^= 0xFF
	good := rxEnvelope(2, []byte{0x01, 0x02})

	var buf bytes.Buffer
	buf.Write(bad)
	buf.Write(good)
	var got []can.Frame
	_ = (Codec{}).DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr) })
	if len(got) != 1 || got[0].ArbitrationID() != 2 {
		t.Fatalf("expected only the intact frame, got %+v", got)
	}
	if metrics.Snap().Malformed <= before {
		t.Fatalf("corrupt checksum not counted")
	}
}

func TestEncode(t *testing.T) {
	var fr can.Frame
	fr.CANID = 0x123
	fr.Len = 2
	fr.Data[0], fr.Data[1] = 0xCA, 0xFE
	got := (Codec{}).Encode(fr)
	want := []byte{0x2D, 0xD4, 9, opSendExt, 0x82, 0, 0, 0x01, 0x23, 0xCA, 0xFE}
	var sum byte = 0x2D + 9
	for _, b := range want[3:] {
		sum += b
	}
	want = append(want, sum)
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode = % X, want % X", got, want)
	}
}

func TestCompactBuffer(t *testing.T) {
	var b bytes.Buffer
	b.Write(make([]byte, 8192))
	b.Next(8192 - 1500)
	if !CompactBuffer(&b) {
		t.Fatalf("expected compaction")
	}
	if b.Len() != 1500 {
		t.Fatalf("len %d after compaction", b.Len())
	}
	if CompactBuffer(&b) {
		t.Fatalf("compacted buffer compacted again")
	}
}
