// Package presence implements the Presence Registry: the authoritative,
// in-memory set of live duplex connections for every moment, their
// join/leave/heartbeat state machine, and the heartbeat-timeout sweeper.
// A mutex-guarded map plus a ticking sweeper loop track connection
// liveness; a separate client/registry split handles per-socket fan-out,
// generalized from one global feed into many independent per-moment
// feeds.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vesperhq/ember/internal/broadcast"
	"github.com/vesperhq/ember/internal/ratelimit"
	"github.com/vesperhq/ember/internal/session"
	"github.com/vesperhq/ember/internal/store"
)

const (
	// DefaultHeartbeatTimeout is three heartbeat-sweep intervals: a socket
	// silent this long is forcibly closed.
	DefaultHeartbeatTimeout = 90 * time.Second
	// DefaultSweepInterval is how often the heartbeat-timeout sweeper runs.
	DefaultSweepInterval = 30 * time.Second
	// durableHeartbeatInterval throttles the write-through to the store so
	// every inbound heartbeat frame does not become a database write.
	durableHeartbeatInterval = 60 * time.Second
)

// Error carries one of the closed error codes the wire protocol defines.
// Join reports failures this way instead of a bare error so
// the gateway can turn them directly into an `error` frame.
type Error struct {
	Code    broadcast.ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func newErr(code broadcast.ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// connState exists for every registered socket, joined or not.
type connState struct {
	socketID        string
	sessionID       string
	momentID        string
	connectedAt     time.Time
	lastHeartbeatAt time.Time
	messageCount    int
	isJoined        bool
	joining         bool
	lastDurableHB   time.Time
}

// presenceEntry exists only for sockets that have successfully joined.
type presenceEntry struct {
	sessionID       string
	momentID        string
	connectedAt     time.Time
	lastHeartbeatAt time.Time
}

// Config adjusts the sweeper cadence and timeout away from their defaults;
// zero values fall back to the defaults.
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// Registry is the single authoritative presence table shared by every
// moment. One instance serves the whole process.
type Registry struct {
	store    *store.Store
	sessions *session.Manager
	fabric   *broadcast.Fabric

	controlLimiter   *ratelimit.Limiter
	heartbeatLimiter *ratelimit.Limiter

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration

	mu        sync.Mutex
	conn      map[string]Channel
	connState map[string]*connState
	presence  map[string]*presenceEntry
	byMoment  map[string]map[string]struct{}
	peak      map[string]int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Registry. controlLimiter should be configured with the
// ratelimit.Control policy and heartbeatLimiter with ratelimit.Heartbeat;
// both are keyed by socketID.
func New(st *store.Store, sessions *session.Manager, fabric *broadcast.Fabric, controlLimiter, heartbeatLimiter *ratelimit.Limiter, cfg Config) *Registry {
	heartbeatTimeout := cfg.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	return &Registry{
		store:            st,
		sessions:         sessions,
		fabric:           fabric,
		controlLimiter:   controlLimiter,
		heartbeatLimiter: heartbeatLimiter,
		heartbeatTimeout: heartbeatTimeout,
		sweepInterval:    sweepInterval,
		conn:             make(map[string]Channel),
		connState:        make(map[string]*connState),
		presence:         make(map[string]*presenceEntry),
		byMoment:         make(map[string]map[string]struct{}),
		peak:             make(map[string]int),
		stopCh:           make(chan struct{}),
	}
}

// Start begins the heartbeat-timeout sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
	slog.Info("presence registry started", "heartbeat_timeout", r.heartbeatTimeout, "sweep_interval", r.sweepInterval)
}

// Stop ends the sweeper and waits for its current tick to finish.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Register creates connection state for a freshly accepted socket. Calling
// it twice for the same socketID is a caller bug; the gateway is
// responsible for generating unique ids.
func (r *Registry) Register(socketID string, ch Channel) {
	now := time.Now()
	r.mu.Lock()
	r.conn[socketID] = ch
	r.connState[socketID] = &connState{
		socketID:        socketID,
		connectedAt:     now,
		lastHeartbeatAt: now,
	}
	r.mu.Unlock()
}

// CloseAll forces every currently registered channel closed with the given
// close code and reason. It does not itself remove bookkeeping: each
// socket's own read loop observes the close and calls Unregister, which is
// how process shutdown avoids synchronously ending sessions: the next
// stale-session sweep cleans them up instead.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	channels := make([]Channel, 0, len(r.conn))
	for _, ch := range r.conn {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Close(code, reason)
	}
}

// Unregister tears down a socket's state entirely, leaving first if it was
// joined. Safe to call for a socket that was never joined.
func (r *Registry) Unregister(socketID string) {
	r.mu.Lock()
	_, joined := r.presence[socketID]
	r.mu.Unlock()

	if joined {
		r.Leave(socketID)
	}

	r.mu.Lock()
	delete(r.conn, socketID)
	delete(r.connState, socketID)
	r.mu.Unlock()
}

// Join validates tokenString against claimedMomentID and, on success,
// admits socketID into the moment's live presence set. It runs the
// rate-limit check, token verification, and moment lookup before touching
// any in-memory state, so a failure partway through never leaves the
// registry's maps mutated.
func (r *Registry) Join(ctx context.Context, socketID, tokenString, claimedMomentID string) *Error {
	r.mu.Lock()
	cs, ok := r.connState[socketID]
	if !ok {
		r.mu.Unlock()
		return newErr(broadcast.ErrServerError, "unregistered socket")
	}
	if cs.isJoined || cs.joining {
		r.mu.Unlock()
		return newErr(broadcast.ErrAlreadyJoined, "already joined")
	}
	cs.joining = true
	r.mu.Unlock()

	fail := func(code broadcast.ErrorCode, msg string) *Error {
		r.mu.Lock()
		cs.joining = false
		r.mu.Unlock()
		return newErr(code, msg)
	}

	if check := r.controlLimiter.Check(socketID); !check.Allowed {
		r.sendRateLimited(socketID, check.RetryAfterSecs)
		return fail(broadcast.ErrRateLimited, "rate limited")
	}

	sessionID, tokenMomentID, err := r.sessions.Verify(ctx, tokenString)
	if err != nil {
		var sessErr *session.Error
		if errors.As(err, &sessErr) && sessErr.Code == session.CodeEnded {
			return fail(broadcast.ErrSessionExpired, "session has ended")
		}
		return fail(broadcast.ErrInvalidToken, "invalid or expired token")
	}
	if tokenMomentID != claimedMomentID {
		// Deliberately vague: never reveal which field mismatched.
		return fail(broadcast.ErrInvalidToken, "invalid token")
	}

	moment, err := r.store.FindMomentByID(ctx, claimedMomentID)
	if err != nil {
		slog.Error("presence: failed to load moment for join", "moment_id", claimedMomentID, "error", err)
		return fail(broadcast.ErrServerError, "store unavailable")
	}
	if moment == nil {
		return fail(broadcast.ErrMomentNotFound, "moment not found")
	}
	if moment.Status != store.MomentStatusLive {
		return fail(broadcast.ErrMomentNotLive, "moment not live")
	}

	// A session owns at most one presence at a time; admitting this socket
	// evicts any channel the session had previously joined from.
	r.mu.Lock()
	var prior string
	for sid, entry := range r.presence {
		if entry.sessionID == sessionID {
			prior = sid
			break
		}
	}
	r.mu.Unlock()
	if prior != "" {
		r.Leave(prior)
	}

	now := time.Now()
	presenceRow := &store.Presence{
		ID:              uuid.New().String(),
		SocketID:        socketID,
		SessionID:       sessionID,
		MomentID:        claimedMomentID,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	if err := r.store.CreatePresence(ctx, presenceRow); err != nil {
		slog.Error("presence: failed to write presence row", "socket_id", socketID, "error", err)
		return fail(broadcast.ErrServerError, "store unavailable")
	}

	r.mu.Lock()
	if _, stillRegistered := r.connState[socketID]; !stillRegistered {
		// The socket was unregistered while the presence row was being
		// written; roll the row back rather than leaving a phantom entry no
		// sweeper can reach.
		r.mu.Unlock()
		if err := r.store.DeletePresenceBySocketID(ctx, socketID); err != nil {
			slog.Error("presence: failed to roll back presence row", "socket_id", socketID, "error", err)
		}
		return newErr(broadcast.ErrServerError, "socket closed during join")
	}
	cs.joining = false
	cs.isJoined = true
	cs.sessionID = sessionID
	cs.momentID = claimedMomentID
	cs.lastHeartbeatAt = now
	cs.lastDurableHB = now
	r.presence[socketID] = &presenceEntry{
		sessionID:       sessionID,
		momentID:        claimedMomentID,
		connectedAt:     now,
		lastHeartbeatAt: now,
	}
	if r.byMoment[claimedMomentID] == nil {
		r.byMoment[claimedMomentID] = make(map[string]struct{})
	}
	r.byMoment[claimedMomentID][socketID] = struct{}{}
	count := len(r.byMoment[claimedMomentID])
	peak := r.peak[claimedMomentID]
	if moment.PeakPresence > peak {
		peak = moment.PeakPresence
	}
	if count > peak {
		peak = count
	}
	r.peak[claimedMomentID] = peak
	recipients := r.recipientsLocked(claimedMomentID)
	r.mu.Unlock()

	if count > moment.PeakPresence {
		if err := r.store.UpdateMomentCounters(ctx, claimedMomentID, store.MomentCounterDelta{Peak: &count}); err != nil {
			slog.Error("presence: failed to raise peak presence", "moment_id", claimedMomentID, "error", err)
		}
	}

	joinedFrame, err := broadcast.Encode(broadcast.TypeJoined, broadcast.JoinedPayload{
		SocketID:      socketID,
		MomentID:      claimedMomentID,
		PresenceCount: count,
		Timestamp:     now.UnixMilli(),
	})
	if err == nil {
		r.SendMessage(socketID, joinedFrame)
	}

	r.broadcastPresenceUpdate(claimedMomentID, count, peak, recipients)

	return nil
}

// Leave removes socketID from its moment's presence set. A socket that
// never joined is a no-op, never a failure.
func (r *Registry) Leave(socketID string) {
	r.mu.Lock()
	entry, ok := r.presence[socketID]
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := r.store.DeletePresenceBySocketID(context.Background(), socketID); err != nil {
		slog.Error("presence: failed to delete presence row", "socket_id", socketID, "error", err)
	}

	r.mu.Lock()
	delete(r.presence, socketID)
	if set, ok := r.byMoment[entry.momentID]; ok {
		delete(set, socketID)
		if len(set) == 0 {
			delete(r.byMoment, entry.momentID)
			delete(r.peak, entry.momentID)
		}
	}
	if cs, ok := r.connState[socketID]; ok {
		cs.isJoined = false
		cs.sessionID = ""
		cs.momentID = ""
	}
	count := len(r.byMoment[entry.momentID])
	peak := r.peak[entry.momentID]
	recipients := r.recipientsLocked(entry.momentID)
	r.mu.Unlock()

	now := time.Now()
	leftFrame, err := broadcast.Encode(broadcast.TypeLeft, broadcast.LeftPayload{
		SocketID:      socketID,
		MomentID:      entry.momentID,
		PresenceCount: count,
		Timestamp:     now.UnixMilli(),
	})
	if err == nil {
		// Best-effort: the channel may already be closing.
		r.SendMessage(socketID, leftFrame)
	}

	r.broadcastPresenceUpdate(entry.momentID, count, peak, recipients)
}

// EndSession evicts every live socket whose presence belongs to sessionID,
// broadcasting the decrement to the moment's remaining peers. The HTTP
// surface calls this when a session ends so the authoritative in-memory
// state never outlives its session.
func (r *Registry) EndSession(sessionID string) {
	r.mu.Lock()
	var sockets []string
	for socketID, entry := range r.presence {
		if entry.sessionID == sessionID {
			sockets = append(sockets, socketID)
		}
	}
	r.mu.Unlock()

	for _, socketID := range sockets {
		r.Leave(socketID)
	}
}

// Heartbeat refreshes a joined socket's liveness and answers with a pong.
// It never reports an error to the caller: a rate-limited heartbeat is
// simply dropped, since heartbeats are noisy and must not spam the client
// with error frames.
func (r *Registry) Heartbeat(ctx context.Context, socketID string) {
	if check := r.heartbeatLimiter.Check(socketID); !check.Allowed {
		return
	}

	r.mu.Lock()
	cs, ok := r.connState[socketID]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	cs.lastHeartbeatAt = now
	cs.messageCount++
	if entry, ok := r.presence[socketID]; ok {
		entry.lastHeartbeatAt = now
	}
	dueForWrite := cs.isJoined && now.Sub(cs.lastDurableHB) >= durableHeartbeatInterval
	if dueForWrite {
		cs.lastDurableHB = now
	}
	r.mu.Unlock()

	if dueForWrite {
		if err := r.store.UpdatePresenceHeartbeat(ctx, socketID, now); err != nil {
			slog.Error("presence: failed to write through heartbeat", "socket_id", socketID, "error", err)
		}
	}

	pongFrame, err := broadcast.Encode(broadcast.TypePong, broadcast.PongPayload{
		Timestamp:  now.UnixMilli(),
		ServerTime: now.UnixMilli(),
	})
	if err == nil {
		r.SendMessage(socketID, pongFrame)
	}
}

// SendMessage hands an already-encoded frame to socketID's channel. It
// never panics: a missing or unwritable channel simply returns false.
func (r *Registry) SendMessage(socketID string, frame []byte) bool {
	r.mu.Lock()
	ch, ok := r.conn[socketID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return ch.Send(frame)
}

// SendError is a convenience wrapper around SendMessage that produces an
// `error` frame from the closed code taxonomy.
func (r *Registry) SendError(socketID string, code broadcast.ErrorCode, message string) {
	frame, err := broadcast.Encode(broadcast.TypeError, broadcast.ErrorPayload{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Error("presence: failed to encode error frame", "error", err)
		return
	}
	r.SendMessage(socketID, frame)
}

func (r *Registry) sendRateLimited(socketID string, retryAfterSecs int) {
	frame, err := broadcast.Encode(broadcast.TypeRateLimited, broadcast.RateLimitedPayload{
		RetryAfter: retryAfterSecs,
		Message:    "rate limit exceeded",
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	r.SendMessage(socketID, frame)
}

// PresenceCount returns the number of live sockets in momentID, or 0 if the
// moment has none.
func (r *Registry) PresenceCount(momentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byMoment[momentID])
}

// recipientsLocked snapshots the fan-out targets for momentID. Callers must
// hold r.mu.
func (r *Registry) recipientsLocked(momentID string) map[string]broadcast.Recipient {
	set := r.byMoment[momentID]
	recipients := make(map[string]broadcast.Recipient, len(set))
	for socketID := range set {
		if ch, ok := r.conn[socketID]; ok {
			recipients[socketID] = ch
		}
	}
	return recipients
}

func (r *Registry) broadcastPresenceUpdate(momentID string, count, peak int, recipients map[string]broadcast.Recipient) {
	if len(recipients) == 0 {
		return
	}
	frame, err := broadcast.Encode(broadcast.TypePresenceUpdate, broadcast.PresenceUpdatePayload{
		MomentID:  momentID,
		Count:     count,
		PeakCount: peak,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Error("presence: failed to encode presence_update frame", "error", err)
		return
	}
	r.fabric.Fanout(recipients, frame)
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepHeartbeats()
		case <-r.stopCh:
			return
		}
	}
}

// sweepHeartbeats forcibly closes and unregisters every socket silent for
// longer than heartbeatTimeout.
func (r *Registry) sweepHeartbeats() {
	now := time.Now()

	r.mu.Lock()
	var stale []string
	for socketID, cs := range r.connState {
		if now.Sub(cs.lastHeartbeatAt) > r.heartbeatTimeout {
			stale = append(stale, socketID)
		}
	}
	channels := make(map[string]Channel, len(stale))
	for _, socketID := range stale {
		if ch, ok := r.conn[socketID]; ok {
			channels[socketID] = ch
		}
	}
	r.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	slog.Info("presence: reaping stale sockets", "count", len(stale))
	for _, socketID := range stale {
		if ch, ok := channels[socketID]; ok {
			ch.Close(1001, "heartbeat timeout")
		}
		r.Unregister(socketID)
	}
}

