// Package httpapi implements the HTTP Control Surface: session begin/end,
// the public moment snapshot, and the health probe. It accepts all
// dependencies as constructor parameters so main() and tests build the same
// handler chain.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vesperhq/ember/internal/middleware"
	"github.com/vesperhq/ember/internal/session"
)

// handlers binds HTTP handler methods to an App's dependencies.
type handlers struct {
	app *App
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"code": code})
}

// --- POST /session/begin ---

type beginRequest struct {
	MomentID string `json:"momentId"`
}

type beginResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	MomentID  string    `json:"momentId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *handlers) handleSessionBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req beginRequest
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
	}

	ip := clientIP(r)
	momentID := req.MomentID
	if momentID == "" {
		live, err := h.app.Store.FindFirstLive(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_unavailable")
			return
		}
		if live == nil {
			writeError(w, http.StatusNotFound, "no_live_moment")
			return
		}
		momentID = live.ID
	}

	result, err := h.app.Sessions.CreateAnonymous(r.Context(), momentID, r.UserAgent(), ip, "session-begin:"+ip)
	if err != nil {
		var sessErr *session.Error
		if errors.As(err, &sessErr) {
			switch sessErr.Code {
			case session.CodeNotFound:
				writeError(w, http.StatusNotFound, "no_live_moment")
				return
			case session.CodeNotLive:
				writeError(w, http.StatusBadRequest, "not_live")
				return
			case session.CodeRateLimited:
				w.Header().Set("Retry-After", strconv.Itoa(sessErr.RetryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited")
				return
			}
		}
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}

	middleware.Logger(r.Context()).Info("session started",
		"session_id", result.SessionID,
		"moment_id", result.MomentID)

	writeJSON(w, http.StatusOK, beginResponse{
		Token:     result.Token,
		SessionID: result.SessionID,
		MomentID:  result.MomentID,
		ExpiresAt: result.ExpiresAt,
	})
}

// --- POST /session/end ---

type endResponse struct {
	SessionID       string `json:"sessionId"`
	MomentID        string `json:"momentId"`
	DurationSeconds int    `json:"durationSeconds"`
	DurationMinutes int    `json:"durationMinutes"`
}

func (h *handlers) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tokenString, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	sessionID, momentID, err := h.app.Sessions.Verify(r.Context(), tokenString)
	if err != nil {
		var sessErr *session.Error
		if errors.As(err, &sessErr) {
			switch sessErr.Code {
			case session.CodeEnded:
				writeError(w, http.StatusBadRequest, "already_ended")
				return
			case session.CodeStoreFailure:
				writeError(w, http.StatusInternalServerError, "store_unavailable")
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	// Evict any live sockets first so peers observe the decrement; the
	// direct delete covers the case where the registry runs in another
	// process.
	if h.app.Registry != nil {
		h.app.Registry.EndSession(sessionID)
	}
	if err := h.app.Store.DeletePresencesBySessionID(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}

	durationSeconds, err := h.app.Sessions.End(r.Context(), sessionID)
	if err != nil {
		var sessErr *session.Error
		if errors.As(err, &sessErr) {
			switch sessErr.Code {
			case session.CodeAlreadyEnded:
				writeError(w, http.StatusBadRequest, "already_ended")
				return
			case session.CodeNotFound:
				writeError(w, http.StatusUnauthorized, "invalid_token")
				return
			}
		}
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}

	middleware.Logger(r.Context()).Info("session ended",
		"session_id", sessionID,
		"moment_id", momentID,
		"duration_seconds", durationSeconds)

	writeJSON(w, http.StatusOK, endResponse{
		SessionID:       sessionID,
		MomentID:        momentID,
		DurationSeconds: durationSeconds,
		DurationMinutes: durationSeconds / 60,
	})
}

// --- GET /moment/current ---

type momentView struct {
	ID              string `json:"id"`
	Slug            string `json:"slug"`
	Title           string `json:"title"`
	MaxParticipants int    `json:"maxParticipants"`
	DurationSeconds int    `json:"durationSeconds"`
	PresenceCount   int    `json:"presenceCount"`
}

func (h *handlers) handleMomentCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if check := h.app.APILimiter.Check("moment-current:" + clientIP(r)); !check.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(check.RetryAfterSecs))
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	moment, err := h.app.Store.FindFirstLive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	if moment == nil {
		writeError(w, http.StatusNotFound, "no_live_moment")
		return
	}

	writeJSON(w, http.StatusOK, momentView{
		ID:              moment.ID,
		Slug:            moment.Slug,
		Title:           moment.Title,
		MaxParticipants: moment.MaxParticipants,
		DurationSeconds: moment.DurationSeconds,
		PresenceCount:   h.presenceCount(r, moment.ID),
	})
}

// presenceCount prefers the in-memory registry, the authoritative source,
// and falls back to the durable store when the registry is not co-located,
// e.g. a readiness check running in a separate process.
func (h *handlers) presenceCount(r *http.Request, momentID string) int {
	if h.app.Registry != nil {
		return h.app.Registry.PresenceCount(momentID)
	}
	count, err := h.app.Store.CountPresences(r.Context(), momentID)
	if err != nil {
		return 0
	}
	return count
}

// --- GET /health ---

type healthStats struct {
	TotalSessions  int    `json:"totalSessions"`
	TotalPresences int    `json:"totalPresences"`
	LiveMomentID   string `json:"liveMomentId,omitempty"`
}

type healthResponse struct {
	Status   string      `json:"status"`
	Database string      `json:"database"`
	Stats    healthStats `json:"stats"`
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.app.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}

	stats := healthStats{}
	if live, err := h.app.Store.FindFirstLive(r.Context()); err == nil && live != nil {
		stats.LiveMomentID = live.ID
		stats.TotalSessions = live.TotalSessions
		if count, err := h.app.Store.CountPresences(r.Context(), live.ID); err == nil {
			stats.TotalPresences = count
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "healthy",
		Database: "connected",
		Stats:    stats,
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// clientIP extracts the client address from a request, respecting
// X-Forwarded-For when present (common behind a load balancer).
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndexByte(addr, ':'); idx != -1 {
		return addr[:idx]
	}
	return addr
}
