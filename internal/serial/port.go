package serial

import (
	"errors"
	"time"

	"github.com/tarm/serial"
)

// ErrUnsupported reports a frame the adapter protocol cannot carry (CAN FD).
var ErrUnsupported = errors.New("serial adapter: frame not supported")

// Port is the byte stream of a serial CAN adapter; tests substitute fakes.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens the adapter at name.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}
