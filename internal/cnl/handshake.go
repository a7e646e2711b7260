package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is exchanged by both peers before any frame.
const Hello = "CANNELLONIv1"

var ErrBadHello = errors.New("cnl: bad hello")

// Handshake sends Hello and expects it back within timeout. Both directions
// run at once so peers on unbuffered pipes cannot deadlock. Cancelling ctx
// aborts the exchange.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer c.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	sent := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, Hello)
		sent <- err
	}()
	var peer [len(Hello)]byte
	_, rerr := io.ReadFull(c, peer[:])
	if rerr == nil && string(peer[:]) != Hello {
		rerr = fmt.Errorf("%w: %q", ErrBadHello, peer[:])
	}
	if rerr != nil {
		// unblock the writer
		_ = c.SetDeadline(time.Unix(1, 0))
	}
	werr := <-sent
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := errors.Join(rerr, werr); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}
