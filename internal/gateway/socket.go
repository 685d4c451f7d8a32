package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socketSendBuffer bounds how many outbound frames can queue for a slow
// client before further frames are dropped, grounded on mrf-agent-racer's client.send
// buffered channel (internal/ws/broadcast.go).
const socketSendBuffer = 64

// writeWait bounds how long a close control frame may take to write.
const writeWait = 5 * time.Second

// socket adapts a *websocket.Conn to presence.Channel: a buffered send
// channel plus a dedicated write pump, so a slow reader never blocks the
// registry's broadcast fan-out.
type socket struct {
	id   string
	conn *websocket.Conn

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newSocket(id string, conn *websocket.Conn) *socket {
	s := &socket{
		id:   id,
		conn: conn,
		send: make(chan []byte, socketSendBuffer),
		done: make(chan struct{}),
	}
	go s.writePump()
	return s
}

// Send queues frame for delivery, satisfying presence.Channel. It never
// blocks: a full buffer (a client that cannot keep up) reports false rather
// than stalling the caller.
func (s *socket) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close forces the underlying connection closed with a websocket close
// frame, then tears down the write pump. Safe to call more than once.
func (s *socket) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, deadline, time.Now().Add(writeWait))
		s.conn.Close()
	})
}

func (s *socket) writePump() {
	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// generateSocketID mints a 128-bit random id, hex-encoded and tagged.
func generateSocketID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate socket id: %w", err)
	}
	return "sck_" + hex.EncodeToString(buf), nil
}
