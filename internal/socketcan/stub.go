//go:build !linux

package socketcan

import "errors"

// Open always fails: raw CAN sockets are Linux only.
func Open(iface string) (Dev, error) {
	return nil, errors.New("socketcan: unsupported on this platform")
}
