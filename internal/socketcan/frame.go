package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-vbus-driver/internal/can"
)

// mtu is sizeof(struct can_frame).
const mtu = 16

// struct can_frame: can_id u32 host order, len u8, pad, res0, len8_dlc, data[8].
func marshalFrame(buf *[mtu]byte, fr can.Frame) {
	*buf = [mtu]byte{}
	binary.NativeEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:min(int(fr.Len), can.MaxClassicLen)])
}

func unmarshalFrame(b []byte, fr *can.Frame) error {
	if len(b) != mtu {
		return fmt.Errorf("socketcan: short read: %d", len(b))
	}
	n := b[4]
	if n > can.MaxClassicLen {
		n = can.MaxClassicLen
	}
	*fr = can.Frame{CANID: binary.NativeEndian.Uint32(b[0:4]), Len: n}
	copy(fr.Data[:], b[8:8+int(n)])
	return nil
}
