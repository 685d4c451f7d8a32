package httpapi

import (
	"net/http"

	"github.com/vesperhq/ember/internal/middleware"
	"github.com/vesperhq/ember/internal/presence"
	"github.com/vesperhq/ember/internal/ratelimit"
	"github.com/vesperhq/ember/internal/session"
	"github.com/vesperhq/ember/internal/store"
)

// App holds all dependencies needed to build the HTTP handler. Session-begin
// rate limiting lives inside the Session Manager; the App only carries the
// limiter for the public read endpoints.
type App struct {
	Store      *store.Store
	Sessions   *session.Manager
	Registry   *presence.Registry // nil when not co-located with the gateway
	APILimiter *ratelimit.Limiter
}

// Handler builds the complete HTTP handler with routes registered and
// middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	h := &handlers{app: a}

	mux.HandleFunc("/session/begin", h.handleSessionBegin)
	mux.HandleFunc("/session/end", h.handleSessionEnd)
	mux.HandleFunc("/moment/current", h.handleMomentCurrent)
	mux.HandleFunc("/health", h.handleHealth)

	return middleware.NoStore(middleware.SecurityHeaders(middleware.RequestID(mux)))
}
