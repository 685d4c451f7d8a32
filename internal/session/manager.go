// Package session implements the Session Manager: durable session
// bookkeeping tied to a moment's lifecycle, IP hashing, and a background
// stale-session sweeper (cleanup loop guarded by a stop channel; no session
// state is cached in memory), plus the domain semantics for creating,
// verifying, and ending an anonymous session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vesperhq/ember/internal/ratelimit"
	"github.com/vesperhq/ember/internal/store"
	"github.com/vesperhq/ember/internal/token"
)

const (
	// DefaultSweepInterval is how often sweepStale runs.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultStaleAge is the heartbeat-silence threshold that marks a
	// session stale.
	DefaultStaleAge = 24 * time.Hour
	// maxUserAgentLen is the truncation bound for a session's stored user agent.
	maxUserAgentLen = 500
)

// Manager issues, verifies, and ends anonymous sessions.
type Manager struct {
	store    *store.Store
	tokens   *token.Service
	limiter  *ratelimit.Limiter
	ipHasher *ratelimit.IPHasher

	sweepInterval time.Duration
	staleAge      time.Duration

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config adjusts the sweeper cadence and the staleness threshold; zero
// values fall back to the defaults.
type Config struct {
	SweepInterval time.Duration
	StaleAge      time.Duration
}

// NewManager constructs a Manager. limiter should be configured with the
// session-begin policy (ratelimit.SessionBegin); ipHasher derives from
// IP_HASH_SECRET.
func NewManager(st *store.Store, tokens *token.Service, limiter *ratelimit.Limiter, ipHasher *ratelimit.IPHasher, cfg Config) *Manager {
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	staleAge := cfg.StaleAge
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}

	return &Manager{
		store:         st,
		tokens:        tokens,
		limiter:       limiter,
		ipHasher:      ipHasher,
		sweepInterval: sweepInterval,
		staleAge:      staleAge,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the background stale-session sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
	slog.Info("session manager started", "sweep_interval", m.sweepInterval, "stale_age", m.staleAge)
}

// Stop ends the sweeper and waits for its current tick to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := m.SweepStale(context.Background())
			if err != nil {
				slog.Error("stale session sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("swept stale sessions", "count", n)
			}
		case <-m.stopCh:
			return
		}
	}
}

// CreateResult is returned by CreateAnonymous on success.
type CreateResult struct {
	Token     string
	SessionID string
	MomentID  string
	ExpiresAt time.Time
}

// CreateAnonymous mints a new session for momentID: rate limit, load the
// moment, insert the session row, issue a token, then increment the
// moment's totalSessions.
func (m *Manager) CreateAnonymous(ctx context.Context, momentID, userAgent, ipAddress, rateKey string) (*CreateResult, error) {
	if check := m.limiter.Check(rateKey); !check.Allowed {
		return nil, &Error{Code: CodeRateLimited, RetryAfter: check.RetryAfterSecs}
	}

	moment, err := m.store.FindMomentByID(ctx, momentID)
	if err != nil {
		return nil, newError(CodeStoreFailure, err)
	}
	if moment == nil {
		return nil, &Error{Code: CodeNotFound}
	}
	if moment.Status != store.MomentStatusLive {
		return nil, &Error{Code: CodeNotLive}
	}

	sessionID := uuid.New().String()
	sess := &store.Session{
		ID:        sessionID,
		MomentID:  momentID,
		StartedAt: time.Now(),
	}
	if trimmed := truncateUserAgent(userAgent); trimmed != "" {
		sess.UserAgent = &trimmed
	}
	if ipAddress != "" {
		hash := m.ipHasher.Hash(ipAddress)
		sess.IPHash = &hash
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, newError(CodeStoreFailure, err)
	}

	tok, expiresAt, err := m.tokens.Issue(sessionID, momentID)
	if err != nil {
		return nil, newError(CodeStoreFailure, err)
	}
	sess.Token = tok

	if err := m.store.UpdateSession(ctx, sessionID, store.SessionPatch{Token: &tok}); err != nil {
		return nil, newError(CodeStoreFailure, err)
	}

	if err := m.store.UpdateMomentCounters(ctx, momentID, store.MomentCounterDelta{TotalSessionsDelta: 1}); err != nil {
		slog.Error("failed to increment moment session counter", "moment_id", momentID, "error", err)
	}

	return &CreateResult{Token: tok, SessionID: sessionID, MomentID: momentID, ExpiresAt: expiresAt}, nil
}

// Verify decodes tokenString via the Token Service and confirms the
// referenced session is still open.
func (m *Manager) Verify(ctx context.Context, tokenString string) (sessionID, momentID string, err error) {
	sessionID, momentID, err = m.tokens.Verify(tokenString)
	if err != nil {
		return "", "", &Error{Code: CodeInvalidToken, Err: err}
	}

	sess, err := m.store.FindSession(ctx, sessionID)
	if err != nil {
		return "", "", newError(CodeStoreFailure, err)
	}
	if sess == nil {
		return "", "", &Error{Code: CodeNotFound}
	}
	if sess.EndedAt != nil {
		return "", "", &Error{Code: CodeEnded}
	}

	return sessionID, momentID, nil
}

// End closes a session: it deletes every presence for the session and
// writes endedAt/durationSeconds inside a single transaction, then rolls
// the minute accumulator into the owning moment when applicable.
func (m *Manager) End(ctx context.Context, sessionID string) (durationSeconds int, err error) {
	result, err := m.store.EndSessionTx(ctx, sessionID, time.Now())
	if err == store.ErrNotFound {
		return 0, &Error{Code: CodeNotFound}
	}
	if err == store.ErrAlreadyEnded {
		return 0, &Error{Code: CodeAlreadyEnded}
	}
	if err != nil {
		return 0, newError(CodeStoreFailure, err)
	}
	return result.DurationSeconds, nil
}

// SweepStale ends every session whose presences have all gone silent for
// longer than staleAge (or which never established one), returning the
// number reaped.
func (m *Manager) SweepStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.staleAge)
	stale, err := m.store.FindStaleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}

	count := 0
	for _, sess := range stale {
		if _, err := m.End(ctx, sess.ID); err != nil {
			var sessErr *Error
			if errors.As(err, &sessErr) && sessErr.Code == CodeAlreadyEnded {
				continue
			}
			slog.Error("failed to end stale session", "session_id", sess.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func truncateUserAgent(ua string) string {
	runes := []rune(ua)
	if len(runes) <= maxUserAgentLen {
		return ua
	}
	return string(runes[:maxUserAgentLen])
}
