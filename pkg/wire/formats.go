package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/cnl"
)

// CANFrame is a classic or FD CAN frame as carried in CAN batches.
type CANFrame = can.Frame

// CAN identifier flag bits (SocketCAN layout).
const (
	CANExtended = can.CAN_EFF_FLAG
	CANRemote   = can.CAN_RTR_FLAG
)

var codec = &cnl.Codec{}

// EncodeCAN builds a CAN batch.
func EncodeCAN(frames ...CANFrame) []byte { return codec.Encode(frames) }

// DecodeCAN parses a CAN batch.
func DecodeCAN(batch []byte) ([]CANFrame, error) {
	out, err := codec.DecodeAll(batch)
	if err != nil {
		return nil, invalid("decode", err)
	}
	return out, nil
}

// NewCANFrame is a convenience constructor. IDs above 0x7FF are marked
// extended; payloads above 8 bytes are marked FD.
func NewCANFrame(id uint32, data []byte) CANFrame {
	var f CANFrame
	f.CANID = id
	if id > can.CAN_SFF_MASK {
		f.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	}
	n := copy(f.Data[:], data)
	f.Len = uint8(n)
	f.FD = n > can.MaxClassicLen
	return f
}

type canFormat struct{}

func (canFormat) Type() BusType { return CAN }

func (canFormat) Split(batch []byte) ([][]byte, error) {
	var out [][]byte
	for len(batch) > 0 {
		_, n, err := codec.Parse(batch)
		if err != nil {
			return nil, invalid("split", fmt.Errorf("%w: %v", ErrTruncated, err))
		}
		out = append(out, batch[:n:n])
		batch = batch[n:]
	}
	return out, nil
}

func (canFormat) Check(frame []byte, lim Limits) error {
	fr, n, err := codec.Parse(frame)
	if err == nil && n != len(frame) {
		err = fmt.Errorf("%w: %d trailing bytes", ErrTruncated, len(frame)-n)
	}
	if err != nil {
		return invalid("check", err)
	}
	if err := fr.Validate(lim.FD); err != nil {
		return invalid("check", err)
	}
	if lim.MaxFrame > 0 && int(fr.Len) > lim.MaxFrame {
		return invalid("check", fmt.Errorf("%w: %d > %d", ErrTooLarge, fr.Len, lim.MaxFrame))
	}
	return nil
}

func (canFormat) Priority(frame []byte) (uint32, bool) {
	if len(frame) < 4 {
		return 0, true
	}
	return can.Frame{CANID: binary.BigEndian.Uint32(frame)}.ArbitrationID(), true
}

// LIN frame body: protected identifier (0..63) followed by 0..8 data bytes.
const (
	MaxLINPayload = 8
	maxLINID      = 0x3F
)

// LINFrame builds an encoded LIN frame.
func LINFrame(id uint8, data []byte) []byte {
	body := append([]byte{id}, data...)
	return Append(nil, body)
}

type linFormat struct{}

func (linFormat) Type() BusType                        { return LIN }
func (linFormat) Split(b []byte) ([][]byte, error)     { return splitPrefixed(b) }
func (linFormat) Priority(frame []byte) (uint32, bool) { return 0, false }

func (linFormat) Check(frame []byte, lim Limits) error {
	body := Body(frame)
	if err := checkBody(body, 1, lim); err != nil {
		return err
	}
	if body[0] > maxLINID {
		return invalid("check", fmt.Errorf("%w: lin id %d", ErrField, body[0]))
	}
	if len(body)-1 > MaxLINPayload {
		return invalid("check", fmt.Errorf("%w: lin payload %d", ErrTooLarge, len(body)-1))
	}
	return nil
}

// FlexRay frame body: 2-byte big-endian slot id (1..2047), 1-byte channel
// mask (1 = A, 2 = B, 3 = both), cycle count, then 0..254 payload bytes.
const (
	MaxFlexRayPayload = 254
	flexRayHeader     = 4
	maxFlexRaySlot    = 2047
)

// FlexRay channel masks.
const (
	ChannelA    uint8 = 1
	ChannelB    uint8 = 2
	ChannelBoth uint8 = 3
)

// FlexRayFrame builds an encoded FlexRay frame.
func FlexRayFrame(slot uint16, channel, cycle uint8, payload []byte) []byte {
	body := make([]byte, flexRayHeader, flexRayHeader+len(payload))
	binary.BigEndian.PutUint16(body, slot)
	body[2] = channel
	body[3] = cycle
	return Append(nil, append(body, payload...))
}

// FlexRayChannel returns the channel mask of an encoded FlexRay frame.
func FlexRayChannel(frame []byte) uint8 {
	body := Body(frame)
	if len(body) < flexRayHeader {
		return 0
	}
	return body[2]
}

type flexRayFormat struct{}

func (flexRayFormat) Type() BusType                        { return FlexRay }
func (flexRayFormat) Split(b []byte) ([][]byte, error)     { return splitPrefixed(b) }
func (flexRayFormat) Priority(frame []byte) (uint32, bool) { return 0, false }

func (flexRayFormat) Check(frame []byte, lim Limits) error {
	body := Body(frame)
	if err := checkBody(body, flexRayHeader, lim); err != nil {
		return err
	}
	slot := binary.BigEndian.Uint16(body)
	if slot == 0 || slot > maxFlexRaySlot {
		return invalid("check", fmt.Errorf("%w: slot %d", ErrField, slot))
	}
	if ch := body[2]; ch == 0 || ch > ChannelBoth {
		return invalid("check", fmt.Errorf("%w: channel %d", ErrField, ch))
	}
	if body[3] > 63 {
		return invalid("check", fmt.Errorf("%w: cycle %d", ErrField, body[3]))
	}
	if len(body)-flexRayHeader > MaxFlexRayPayload {
		return invalid("check", fmt.Errorf("%w: payload %d", ErrTooLarge, len(body)-flexRayHeader))
	}
	return nil
}

// Ethernet frame body: a raw frame starting at the destination MAC, without
// preamble or FCS.
const (
	MinEthernetFrame = 14
	MaxEthernetFrame = 1522
)

// EthernetFrame builds an encoded Ethernet frame from its raw bytes.
func EthernetFrame(raw []byte) []byte { return Append(nil, raw) }

type ethernetFormat struct{}

func (ethernetFormat) Type() BusType                        { return Ethernet }
func (ethernetFormat) Split(b []byte) ([][]byte, error)     { return splitPrefixed(b) }
func (ethernetFormat) Priority(frame []byte) (uint32, bool) { return 0, false }
func (ethernetFormat) Check(frame []byte, lim Limits) error {
	return checkBody(Body(frame), MinEthernetFrame, lim)
}

// DefaultCustomFrame bounds custom frames when the interface does not.
const DefaultCustomFrame = 64 * 1024

type customFormat struct{}

func (customFormat) Type() BusType                        { return Custom }
func (customFormat) Split(b []byte) ([][]byte, error)     { return splitPrefixed(b) }
func (customFormat) Priority(frame []byte) (uint32, bool) { return 0, false }
func (customFormat) Check(frame []byte, lim Limits) error { return checkBody(Body(frame), 0, lim) }
