// Package gateway implements the Connection Gateway: it accepts long-lived
// duplex channels, frames and dispatches inbound messages, and tears down
// state on close. Upgrade checks the origin against an allow-list and reads
// no credential (the session token arrives in the join frame); the read loop and dispatch are
// generalized from a single proxied stream into the four-frame-type
// presence protocol this package defines.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/vesperhq/ember/internal/broadcast"
	"github.com/vesperhq/ember/internal/presence"
	"github.com/vesperhq/ember/internal/ratelimit"
)

const (
	// transportPingInterval is how often the gateway sends a protocol-level
	// ping control frame to measure liveness, independent of the presence
	// registry's own heartbeat-timeout sweeper.
	transportPingInterval = 30 * time.Second
	pongWait              = 60 * time.Second
	maxMessageBytes       = 16 * 1024

	// acceptRate and acceptBurst bound the rate of new upgrade attempts
	// across all clients, ahead of any per-socket or per-IP policy. This is
	// a coarse flood guard, not part of the closed per-identifier error
	// taxonomy the gateway otherwise reports.
	acceptRate  = 200
	acceptBurst = 400
)

// Gateway accepts websocket upgrades at a fixed path and owns each
// connection's read loop until it closes.
type Gateway struct {
	registry       *presence.Registry
	controlLimiter *ratelimit.Limiter
	development    bool
	allowedOrigins map[string]bool
	acceptLimiter  *rate.Limiter

	upgrader websocket.Upgrader

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// New constructs a Gateway. allowedOrigins is consulted only when
// development is false; controlLimiter should be configured with the
// ratelimit.Control policy and is keyed by socketID.
func New(registry *presence.Registry, controlLimiter *ratelimit.Limiter, allowedOrigins []string, development bool) *Gateway {
	gw := &Gateway{
		registry:       registry,
		controlLimiter: controlLimiter,
		development:    development,
		allowedOrigins: make(map[string]bool, len(allowedOrigins)),
		acceptLimiter:  rate.NewLimiter(rate.Limit(acceptRate), acceptBurst),
	}
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			gw.allowedOrigins[trimmed] = true
		}
	}
	gw.upgrader = websocket.Upgrader{
		CheckOrigin: gw.checkOrigin,
	}
	return gw
}

// ServeHTTP upgrades the request to a websocket connection and runs its
// read loop until it closes.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gw.mu.Lock()
	if gw.shutdown {
		gw.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	gw.wg.Add(1)
	gw.mu.Unlock()
	defer gw.wg.Done()

	if !gw.acceptLimiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: upgrade failed", "error", err)
		return
	}

	socketID, err := generateSocketID()
	if err != nil {
		slog.Error("gateway: failed to generate socket id", "error", err)
		conn.Close()
		return
	}

	sock := newSocket(socketID, conn)
	gw.registry.Register(socketID, sock)
	slog.Info("gateway: socket connected", "socket_id", socketID, "remote_addr", r.RemoteAddr)

	pong, err := broadcast.Encode(broadcast.TypePong, broadcast.PongPayload{
		Timestamp:  0,
		ServerTime: time.Now().UnixMilli(),
	})
	if err == nil {
		sock.Send(pong)
	}

	gw.readLoop(socketID, conn, sock)
}

// readLoop owns conn for its lifetime: it parses, rate-limits, and
// dispatches every inbound frame, and unregisters the socket on any
// transport error or close.
func (gw *Gateway) readLoop(socketID string, conn *websocket.Conn, sock *socket) {
	defer func() {
		gw.registry.Unregister(socketID)
		sock.Close(websocket.CloseNormalClosure, "")
		slog.Info("gateway: socket disconnected", "socket_id", socketID)
	}()

	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	go gw.transportPingLoop(conn, stopPing)
	defer close(stopPing)

	ctx := context.Background()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Warn("gateway: read error", "socket_id", socketID, "error", err)
			}
			return
		}

		var env broadcast.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			gw.registry.SendError(socketID, broadcast.ErrInvalidMessage, "malformed frame")
			continue
		}

		if check := gw.controlLimiter.Check(socketID); !check.Allowed {
			gw.registry.SendError(socketID, broadcast.ErrRateLimited, "rate limit exceeded")
			continue
		}

		gw.dispatch(ctx, socketID, env)
	}
}

func (gw *Gateway) dispatch(ctx context.Context, socketID string, env broadcast.Envelope) {
	switch env.Type {
	case broadcast.TypeJoin:
		var payload broadcast.JoinPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			gw.registry.SendError(socketID, broadcast.ErrInvalidMessage, "malformed join payload")
			return
		}
		if err := gw.registry.Join(ctx, socketID, payload.SessionToken, payload.MomentID); err != nil {
			if err.Code != broadcast.ErrRateLimited {
				gw.registry.SendError(socketID, err.Code, err.Message)
			}
		}

	case broadcast.TypeLeave:
		var payload broadcast.LeavePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			gw.registry.SendError(socketID, broadcast.ErrInvalidMessage, "malformed leave payload")
			return
		}
		gw.registry.Leave(socketID)

	case broadcast.TypeHeartbeat:
		var payload broadcast.HeartbeatPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			gw.registry.SendError(socketID, broadcast.ErrInvalidMessage, "malformed heartbeat payload")
			return
		}
		gw.registry.Heartbeat(ctx, socketID)

	case broadcast.TypePing:
		var payload broadcast.PingPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			gw.registry.SendError(socketID, broadcast.ErrInvalidMessage, "malformed ping payload")
			return
		}
		now := time.Now()
		frame, err := broadcast.Encode(broadcast.TypePong, broadcast.PongPayload{
			Timestamp:  payload.Timestamp,
			ServerTime: now.UnixMilli(),
		})
		if err == nil {
			gw.registry.SendMessage(socketID, frame)
		}

	default:
		gw.registry.SendError(socketID, broadcast.ErrInvalidMessage, "unknown frame type")
	}
}

// transportPingLoop sends a protocol-level ping control frame every
// transportPingInterval to measure liveness independent of the registry's
// own heartbeat sweeper.
func (gw *Gateway) transportPingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(transportPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// checkOrigin allows every origin in development mode; in production, only
// an explicit allow-list match passes.
func (gw *Gateway) checkOrigin(r *http.Request) bool {
	if gw.development {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if gw.allowedOrigins[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return gw.allowedOrigins[parsed.Host]
}

// Shutdown stops accepting new connections, forces every live channel
// closed with code 1000, and blocks until every read loop has returned.
func (gw *Gateway) Shutdown() {
	gw.mu.Lock()
	gw.shutdown = true
	gw.mu.Unlock()

	gw.registry.CloseAll(websocket.CloseNormalClosure, "server shutting down")
	gw.wg.Wait()
}
