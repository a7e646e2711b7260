package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/kstaniek/go-vbus-driver/internal/metrics"
)

// Failure classes; wrapped errors keep their cause so callers can use
// errors.Is on either.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrInject    = errors.New("bus_inject")
	ErrContext   = errors.New("context_cancelled")
)

// mapErrToMetric maps a failure class to its metrics label.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrInject):
		return metrics.ErrBusPublish
	case errors.Is(err, ErrContext), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "other"
	}
}

// fail classifies cause, counts it and returns the wrapped error. Inject
// failures are per frame and do not replace LastError.
func (s *Server) fail(class, cause error) error {
	err := fmt.Errorf("%w: %w", class, cause)
	metrics.IncError(mapErrToMetric(err))
	if class != ErrInject {
		s.setError(err)
	}
	return err
}

func (s *Server) setError(err error) {
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

// LastError is the most recent connection or listener failure.
func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}
