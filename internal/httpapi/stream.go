package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// handleStream upgrades to a websocket and pushes every committed lifecycle
// log entry as a JSON message until the client goes away. An optional
// reference query parameter narrows the stream to one submission.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "correlation_id", correlationID)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	reference := strings.TrimSpace(r.URL.Query().Get("reference"))
	entries, cancel := s.backend.Feed().Subscribe(streamBuffer)
	defer cancel()

	// The stream is write-only; CloseRead handles control frames and cancels
	// ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case entry, ok := <-entries:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if reference != "" && entry.ReferenceID != reference {
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, entry)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
