package can

import "errors"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Payload limits.
const (
	MaxClassicLen = 8
	MaxFDLen      = 64
)

var (
	ErrInvalidID  = errors.New("can: invalid identifier")
	ErrInvalidLen = errors.New("can: invalid data length")
	ErrFDDisabled = errors.New("can: fd frame on classic interface")
)

// Frame is a classic or FD CAN frame.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length; only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	FD    bool
	Data  [64]byte
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len, g.FD = f.CANID, f.Len, f.FD
	copy(g.Data[:], f.Data[:])
	return g
}

// Payload returns the valid part of Data.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }

// Extended reports whether the frame uses a 29-bit identifier.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// ArbitrationID is the identifier without flag bits. Lower values win
// arbitration on a real bus.
func (f Frame) ArbitrationID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Validate checks identifier range and payload length. fdEnabled allows FD
// frames up to 64 bytes; otherwise FD frames are refused and classic frames
// carry at most 8 bytes.
func (f Frame) Validate(fdEnabled bool) error {
	if f.Extended() {
		if f.CANID&^(CAN_EFF_FLAG|CAN_RTR_FLAG|CAN_ERR_FLAG) > CAN_EFF_MASK {
			return ErrInvalidID
		}
	} else if f.CANID&^(CAN_RTR_FLAG|CAN_ERR_FLAG) > CAN_SFF_MASK {
		return ErrInvalidID
	}
	if f.FD {
		if !fdEnabled {
			return ErrFDDisabled
		}
		if !validFDLen(f.Len) {
			return ErrInvalidLen
		}
		return nil
	}
	if f.Len > MaxClassicLen {
		return ErrInvalidLen
	}
	return nil
}

// validFDLen reports whether n is a length an FD DLC can express.
func validFDLen(n uint8) bool {
	switch {
	case n <= 8:
		return true
	case n == 12, n == 16, n == 20, n == 24, n == 32, n == 48, n == 64:
		return true
	}
	return false
}
