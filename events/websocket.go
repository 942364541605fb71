package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// writeTimeout bounds one subscriber write so a stalled client cannot
// hold the hub lock.
const writeTimeout = 5 * time.Second

// WebSocketSink pushes domain events to subscribed UI connections.
// Writes are mutex-guarded because websocket connections do not support
// concurrent writers.
type WebSocketSink struct {
	logger *zap.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewWebSocketSink creates an empty hub.
func NewWebSocketSink(logger *zap.Logger) *WebSocketSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketSink{
		logger: logger.With(zap.String("component", "ws_sink")),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the connection subscribed
// until the client goes away. Incoming frames are drained and ignored;
// the socket is push-only.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.logger.Debug("subscriber connected", zap.Int("subscribers", n))

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

// Publish implements Sink: best-effort JSON broadcast to every
// subscriber. Failed connections are dropped, not retried.
func (s *WebSocketSink) Publish(ctx context.Context, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.logger.Debug("dropping subscriber", zap.Error(err))
			delete(s.conns, conn)
			_ = conn.Close(websocket.StatusGoingAway, "write failed")
		}
	}
	return nil
}

// Close disconnects all subscribers.
func (s *WebSocketSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(s.conns, conn)
	}
}
