package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-vbus-driver/internal/can"
	"github.com/kstaniek/go-vbus-driver/internal/hub"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

// startReader injects the frames a client sends into the bus until the
// connection ends. Invalid frames are counted and skipped.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.dropClient(cl)
		}()
		onFrame := func(fr can.Frame) {
			if err := fr.Validate(s.fdEnabled); err != nil {
				metrics.IncMalformed()
				logger.Debug("client_frame_invalid", "can_id", fmt.Sprintf("0x%X", fr.CANID), "len", fr.Len, "error", err)
				return
			}
			if s.frameFilter != nil && !s.frameFilter(&fr) {
				return
			}
			metrics.IncTCPRx()
			if err := s.bus.Inject(cl.Origin, wire.EncodeCAN(fr)); err != nil {
				s.totalInjectErrors.Add(1)
				logger.Debug("bus_inject_drop", "can_id", fmt.Sprintf("0x%X", fr.CANID), "error", s.fail(ErrInject, err))
			}
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			count, err := s.codec.DecodeN(conn, readBurst, onFrame)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				logger.Warn("client_read_error", "error", s.fail(ErrConnRead, err))
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			case <-cl.Closed:
				return
			default:
			}
		}
	}()
}
