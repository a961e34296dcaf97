package debugapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/tobert/otlp-debugz/internal/diagnostics"
	"go.uber.org/zap"
)

// StreamKeepalive is how often the span report is resent without new spans.
const StreamKeepalive = 15 * time.Second

// streamWriteTimeout bounds a single websocket write.
const streamWriteTimeout = 5 * time.Second

// handleSpanStream upgrades to a websocket and pushes the span report each
// time new spans arrive.
func (s *Server) handleSpanStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // localhost tooling
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	s.metrics.StreamClients.Inc()
	defer s.metrics.StreamClients.Dec()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	notifyCh, unsubscribe := s.cfg.Notifier.Subscribe()
	defer unsubscribe()

	if err := s.sendReport(ctx, conn); err != nil {
		s.logger.Debug("span stream closed", zap.Error(err))
		return
	}

	keepalive := time.NewTicker(StreamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-notifyCh:
		case <-keepalive.C:
		}
		if err := s.sendReport(ctx, conn); err != nil {
			s.logger.Debug("span stream closed", zap.Error(err))
			return
		}
	}
}

func (s *Server) sendReport(ctx context.Context, conn *websocket.Conn) error {
	report, err := s.safeSpanReport()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "span report failed")
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, report)
}

// safeSpanReport converts a panic from malformed span data into an error.
func (s *Server) safeSpanReport() (report diagnostics.SpanReport, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("span report panicked", zap.Any("panic", p))
			err = fmt.Errorf("span report: %v", p)
		}
	}()
	return s.cfg.Spans.GetOtelSpans(), nil
}
