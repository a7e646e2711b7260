package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kstaniek/go-vbus-driver/pkg/status"
)

func TestParseBusType(t *testing.T) {
	for _, bt := range []BusType{CAN, LIN, FlexRay, Ethernet, Custom} {
		got, err := ParseBusType(bt.String())
		if err != nil || got != bt {
			t.Fatalf("ParseBusType(%q) = %v, %v", bt.String(), got, err)
		}
	}
	if got, _ := ParseBusType(" flexray "); got != FlexRay {
		t.Fatalf("case-insensitive parse failed: %v", got)
	}
	if _, err := ParseBusType("MOST"); err == nil {
		t.Fatalf("unknown type accepted")
	}
	if BusType(0).Valid() || ForType(BusType(99)) != nil {
		t.Fatalf("unknown types must not resolve")
	}
}

func TestCANSplitAndPriority(t *testing.T) {
	batch := EncodeCAN(NewCANFrame(0x300, []byte{1}), NewCANFrame(0x100, []byte{2, 3}), NewCANFrame(0x1ABCD, nil))
	f := ForType(CAN)
	frames, err := f.Split(batch)
	if err != nil || len(frames) != 3 {
		t.Fatalf("split: %d frames, %v", len(frames), err)
	}
	if !bytes.Equal(bytes.Join(frames, nil), batch) {
		t.Fatalf("split frames do not cover the batch")
	}
	p0, reorder := f.Priority(frames[0])
	p1, _ := f.Priority(frames[1])
	p2, _ := f.Priority(frames[2])
	if !reorder || p0 != 0x300 || p1 != 0x100 || p2 != 0x1ABCD {
		t.Fatalf("priorities %X %X %X reorder=%v", p0, p1, p2, reorder)
	}
}

func TestCANCheckPayloadLimit(t *testing.T) {
	f := ForType(CAN)
	fd := EncodeCAN(NewCANFrame(0x10, make([]byte, 12)))
	if err := f.Check(fd, DefaultLimits(CAN)); !errors.Is(err, status.ErrInvalidFrame) {
		t.Fatalf("FD frame accepted on classic interface: %v", err)
	}
	if err := f.Check(fd, Limits{MaxFrame: 64, FD: true}); err != nil {
		t.Fatalf("FD frame refused on FD interface: %v", err)
	}
	// classic length byte 9 is malformed
	bad := []byte{0, 0, 0, 1, 9, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if err := f.Check(bad, Limits{MaxFrame: 64, FD: true}); !errors.Is(err, status.ErrInvalidFrame) {
		t.Fatalf("malformed classic frame accepted: %v", err)
	}
}

func TestCANSplitTruncated(t *testing.T) {
	batch := EncodeCAN(NewCANFrame(0x1, []byte{1, 2, 3}))
	if _, err := ForType(CAN).Split(batch[:len(batch)-1]); !errors.Is(err, status.ErrInvalidFrame) {
		t.Fatalf("truncated batch split: %v", err)
	}
}

func TestDecodeCAN(t *testing.T) {
	in := NewCANFrame(0x18FF50E5, []byte{0xDE, 0xAD})
	out, err := DecodeCAN(EncodeCAN(in))
	if err != nil || len(out) != 1 {
		t.Fatalf("decode: %v", err)
	}
	if out[0].CANID != in.CANID || !out[0].Extended() || !bytes.Equal(out[0].Payload(), []byte{0xDE, 0xAD}) {
		t.Fatalf("unexpected frame %+v", out[0])
	}
}

func TestPrefixedSplit(t *testing.T) {
	batch := append(LINFrame(0x10, []byte{1, 2}), LINFrame(0x11, nil)...)
	frames, err := ForType(LIN).Split(batch)
	if err != nil || len(frames) != 2 {
		t.Fatalf("split: %v", err)
	}
	if !bytes.Equal(Body(frames[0]), []byte{0x10, 1, 2}) {
		t.Fatalf("body % X", Body(frames[0]))
	}
	if _, reorder := ForType(LIN).Priority(frames[0]); reorder {
		t.Fatalf("LIN frames must keep schedule order")
	}
	if _, err := ForType(LIN).Split(batch[:5]); !errors.Is(err, status.ErrInvalidFrame) {
		t.Fatalf("truncated split: %v", err)
	}
	if frames, err := ForType(Custom).Split(nil); err != nil || len(frames) != 0 {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestPrefixedSplitHugeLength(t *testing.T) {
	for _, n := range []uint32{0xFFFFFFFF, 0x80000000, 0x7FFFFFFF, 3} {
		batch := binary.BigEndian.AppendUint32(LINFrame(0x10, nil), n)
		batch = append(batch, 0xAA, 0xBB)
		if _, err := ForType(Custom).Split(batch); !errors.Is(err, status.ErrInvalidFrame) {
			t.Fatalf("length %#x: %v", n, err)
		}
	}
}

func TestChecks(t *testing.T) {
	tests := []struct {
		name  string
		bt    BusType
		frame []byte
		lim   Limits
		ok    bool
	}{
		{"lin ok", LIN, LINFrame(0x3C, make([]byte, 8)), DefaultLimits(LIN), true},
		{"lin id", LIN, LINFrame(0x40, nil), DefaultLimits(LIN), false},
		{"lin long", LIN, LINFrame(0x01, make([]byte, 9)), Limits{}, false},
		{"lin empty", LIN, Append(nil, nil), DefaultLimits(LIN), false},
		{"fr ok", FlexRay, FlexRayFrame(5, ChannelA, 0, make([]byte, 254)), DefaultLimits(FlexRay), true},
		{"fr slot", FlexRay, FlexRayFrame(0, ChannelA, 0, nil), DefaultLimits(FlexRay), false},
		{"fr channel", FlexRay, FlexRayFrame(5, 4, 0, nil), DefaultLimits(FlexRay), false},
		{"fr cycle", FlexRay, FlexRayFrame(5, ChannelB, 64, nil), DefaultLimits(FlexRay), false},
		{"eth ok", Ethernet, EthernetFrame(make([]byte, 60)), DefaultLimits(Ethernet), true},
		{"eth runt", Ethernet, EthernetFrame(make([]byte, 10)), DefaultLimits(Ethernet), false},
		{"eth jumbo", Ethernet, EthernetFrame(make([]byte, 1600)), DefaultLimits(Ethernet), false},
		{"custom limit", Custom, Append(nil, make([]byte, 33)), Limits{MaxFrame: 32}, false},
		{"custom ok", Custom, Append(nil, make([]byte, 32)), Limits{MaxFrame: 32}, true},
	}
	for _, tc := range tests {
		err := ForType(tc.bt).Check(tc.frame, tc.lim)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, status.ErrInvalidFrame) {
			t.Fatalf("%s: expected InvalidFrame, got %v", tc.name, err)
		}
	}
	if FlexRayChannel(FlexRayFrame(1, ChannelB, 0, nil)) != ChannelB {
		t.Fatalf("channel accessor")
	}
}
