//go:build linux

package socketcan

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-vbus-driver/internal/can"
)

// Device is a raw classic-CAN socket bound to one interface.
type Device struct {
	fd    int
	iface string
}

// Open binds a raw CAN socket to iface (vcan0, can1, ...). FD frames stay
// off: the bridge forwards classic frames only.
func Open(iface string) (Dev, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan %q: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	err = unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0)
	if err != nil && err != unix.ENOPROTOOPT {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan %q: fd frames: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan %q: bind: %w", iface, err)
	}
	return &Device{fd: fd, iface: iface}, nil
}

func (d *Device) String() string { return "socketcan:" + d.iface }

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame blocks until the next frame arrives on the interface.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [mtu]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	return unmarshalFrame(buf[:n], fr)
}

func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [mtu]byte
	marshalFrame(&buf, fr)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
