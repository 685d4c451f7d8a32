package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vesperhq/ember/internal/ratelimit"
	"github.com/vesperhq/ember/internal/session"
	"github.com/vesperhq/ember/internal/store"
	"github.com/vesperhq/ember/internal/token"
)

const testSecret = "unit-test-secret-at-least-32-bytes-long"

func newTestApp(t *testing.T) *App {
	t.Helper()
	return newTestAppWithBeginPolicy(t, ratelimit.Config{Name: "test-begin", MaxRequests: 1000, Window: time.Minute, BlockDuration: time.Minute})
}

func newTestAppWithBeginPolicy(t *testing.T, beginPolicy ratelimit.Config) *App {
	t.Helper()
	st, err := store.OpenDB("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tokens := token.New(testSecret, time.Hour)
	beginLimiter := ratelimit.New(beginPolicy)
	t.Cleanup(beginLimiter.Stop)
	apiLimiter := ratelimit.New(ratelimit.Config{Name: "test-api", MaxRequests: 1000, Window: time.Minute, BlockDuration: time.Minute})
	t.Cleanup(apiLimiter.Stop)
	hasher := ratelimit.NewIPHasher(testSecret)
	sessions := session.NewManager(st, tokens, beginLimiter, hasher, session.Config{})

	return &App{
		Store:      st,
		Sessions:   sessions,
		APILimiter: apiLimiter,
	}
}

func seedLiveMoment(t *testing.T, app *App, id string) {
	t.Helper()
	m := &store.Moment{ID: id, Slug: id, Title: "t", Status: store.MomentStatusLive, MaxParticipants: 100, DurationSeconds: 3600}
	if err := app.Store.CreateMoment(context.Background(), m); err != nil {
		t.Fatalf("seed moment: %v", err)
	}
}

func TestSessionBegin_ExplicitMoment(t *testing.T) {
	app := newTestApp(t)
	seedLiveMoment(t, app, "m1")

	body, _ := json.Marshal(beginRequest{MomentID: "m1"})
	req := httptest.NewRequest(http.MethodPost, "/session/begin", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	var resp beginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Token == "" || resp.SessionID == "" || resp.MomentID != "m1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSessionBegin_NoLiveMoment(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/session/begin", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()

	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSessionBegin_MomentNotLive(t *testing.T) {
	app := newTestApp(t)
	scheduled := &store.Moment{ID: "m1", Slug: "m1", Title: "t", Status: store.MomentStatusScheduled, MaxParticipants: 10, DurationSeconds: 60}
	if err := app.Store.CreateMoment(context.Background(), scheduled); err != nil {
		t.Fatalf("seed moment: %v", err)
	}

	body, _ := json.Marshal(beginRequest{MomentID: "m1"})
	req := httptest.NewRequest(http.MethodPost, "/session/begin", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSessionBegin_RateLimited(t *testing.T) {
	app := newTestAppWithBeginPolicy(t, ratelimit.Config{Name: "tight", MaxRequests: 1, Window: time.Minute, BlockDuration: 300 * time.Second})
	seedLiveMoment(t, app, "m1")

	body, _ := json.Marshal(beginRequest{MomentID: "m1"})

	req1 := httptest.NewRequest(http.MethodPost, "/session/begin", bytes.NewReader(body))
	rec1 := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/session/begin", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
}

func TestSessionEnd_HappyPathAndIdempotency(t *testing.T) {
	app := newTestApp(t)
	seedLiveMoment(t, app, "m1")

	result, err := app.Sessions.CreateAnonymous(context.Background(), "m1", "ua", "203.0.113.1", "rk1")
	if err != nil {
		t.Fatalf("CreateAnonymous() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/session/end", nil)
	req.Header.Set("Authorization", "Bearer "+result.Token)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	var resp endResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.SessionID != result.SessionID {
		t.Errorf("SessionID = %q, want %q", resp.SessionID, result.SessionID)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/session/end", nil)
	req2.Header.Set("Authorization", "Bearer "+result.Token)
	rec2 := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("second end status = %d, want 400 already_ended", rec2.Code)
	}
}

func TestSessionEnd_MissingBearer(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/session/end", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMomentCurrent_Live(t *testing.T) {
	app := newTestApp(t)
	seedLiveMoment(t, app, "m1")

	req := httptest.NewRequest(http.MethodGet, "/moment/current", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view momentView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if view.ID != "m1" {
		t.Errorf("ID = %q, want m1", view.ID)
	}
}

func TestMomentCurrent_NoneLive(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/moment/current", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealth_HealthyAndSecurityHeaders(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected Cache-Control: no-store")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected security headers to be applied")
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", resp.Status)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "X-Forwarded-For single", remoteAddr: "10.0.0.1:1234", xff: "203.0.113.5", want: "203.0.113.5"},
		{name: "X-Forwarded-For chain", remoteAddr: "10.0.0.1:1234", xff: "203.0.113.5, 10.0.0.2", want: "203.0.113.5"},
		{name: "RemoteAddr with port", remoteAddr: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "RemoteAddr without port", remoteAddr: "10.0.0.1", want: "10.0.0.1"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
