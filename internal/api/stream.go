package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/geolink/internal/tracker"
)

const (
	// HeaderAccountID selects the account whose clicks are streamed.
	HeaderAccountID = "account-id"

	streamWriteTimeout = 5 * time.Second
)

func (s *Server) clickSocket(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		writeText(w, http.StatusUpgradeRequired, "Expected Upgrade: websocket")
		return
	}
	accountID := strings.TrimSpace(r.Header.Get(HeaderAccountID))
	if accountID == "" {
		writeText(w, http.StatusNotFound, "No Account Header")
		return
	}
	if s.cfg.Stream == nil {
		writeText(w, http.StatusServiceUnavailable, "Click stream disabled")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		// Accept has already written the error response.
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.CloseNow() }()

	logger := s.logger.With(zap.String("account_id", accountID))
	// The client never sends data; CloseRead handles control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	sub, err := s.cfg.Stream.Subscribe(ctx, accountID)
	if err != nil {
		logger.Warn("subscribe to click stream", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	status, reason := s.pump(ctx, conn, sub.Updates(), logger)
	_ = conn.Close(status, reason)
}

// pump forwards updates until the subscription ends or the peer leaves.
func (s *Server) pump(ctx context.Context, conn *websocket.Conn, updates <-chan tracker.Update, logger *zap.Logger) (websocket.StatusCode, string) {
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, ""
		case update, ok := <-updates:
			if !ok {
				return websocket.StatusTryAgainLater, "stream ended"
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, update)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Debug("write click update", zap.Error(err))
				}
				return websocket.StatusGoingAway, "write failed"
			}
		}
	}
}
