package server

import (
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-vbus-driver/internal/hub"
	"github.com/kstaniek/go-vbus-driver/internal/metrics"
)

// startWriter streams bus traffic to one client. Bus messages already carry
// cannelloni frames, so batching is plain concatenation.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.dropClient(cl)
			s.totalDisconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		var buf []byte
		pending := 0
		flush := func() error {
			if pending == 0 {
				return nil
			}
			n := pending
			_, err := conn.Write(buf)
			buf, pending = buf[:0], 0
			if err != nil {
				return s.fail(ErrConnWrite, err)
			}
			metrics.AddTCPTx(n)
			return nil
		}
		for {
			select {
			case m := <-cl.Out:
				buf = append(buf, m.Data...)
				pending++
				if pending >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-cl.Closed:
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}
