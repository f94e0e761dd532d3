package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bnt0p/st-poor-webpanel/hub"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

var errSubscriberClosed = errors.New("subscriber closed")

// wsSubscriber adapts a WebSocket connection to hub.Subscriber. Writes are
// serialized by mu and bounded by writeWait.
type wsSubscriber struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{conn: conn}
}

func (s *wsSubscriber) Deliver(msg hub.Message) error {
	if s == nil || s.conn == nil {
		return errSubscriberClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSubscriberClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, msg.Payload)
}

func (s *wsSubscriber) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.loop == nil {
		writeError(w, http.StatusServiceUnavailable, "stream disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	sub := newWSSubscriber(conn)
	conn.SetReadLimit(maxInboundSize)

	greetCtx, cancel := context.WithTimeout(r.Context(), writeWait)
	err = s.loop.Greet(greetCtx, sub)
	cancel()
	if err != nil {
		log.Printf("WS: greet %s failed: %v", r.RemoteAddr, err)
		_ = sub.Close()
		return
	}

	registry := s.loop.Registry()
	registry.Add(sub)
	s.metrics.SetSubscribers(registry.Len())
	defer func() {
		registry.Remove(sub)
		s.metrics.SetSubscribers(registry.Len())
		_ = sub.Close()
	}()

	// Clients send nothing meaningful; reading drives ping/close handling
	// and tells us when the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
