// Command server runs the Ember process: it loads configuration, opens the
// durable store, wires the Token Service, Session Manager, Broadcast Fabric,
// Presence Registry, Connection Gateway, and HTTP Control Surface, then
// serves until a termination signal triggers an orderly shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vesperhq/ember/internal/broadcast"
	"github.com/vesperhq/ember/internal/config"
	"github.com/vesperhq/ember/internal/gateway"
	"github.com/vesperhq/ember/internal/httpapi"
	"github.com/vesperhq/ember/internal/presence"
	"github.com/vesperhq/ember/internal/ratelimit"
	"github.com/vesperhq/ember/internal/session"
	"github.com/vesperhq/ember/internal/store"
	"github.com/vesperhq/ember/internal/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.MustLoad()

	st, err := store.Open(cfg.DB)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	tokens := token.New(cfg.JWTSecret, cfg.TokenExpiry)
	ipHasher := ratelimit.NewIPHasher(cfg.IPHashSecret)

	sessionBeginLimiter := ratelimit.New(ratelimit.SessionBegin)
	defer sessionBeginLimiter.Stop()
	apiLimiter := ratelimit.New(ratelimit.API)
	defer apiLimiter.Stop()
	controlLimiter := ratelimit.New(ratelimit.Control)
	defer controlLimiter.Stop()
	heartbeatLimiter := ratelimit.New(ratelimit.Heartbeat)
	defer heartbeatLimiter.Stop()

	sessions := session.NewManager(st, tokens, sessionBeginLimiter, ipHasher, session.Config{
		SweepInterval: cfg.SessionSweepInterval,
		StaleAge:      cfg.StaleSessionAge,
	})
	sessions.Start()
	defer sessions.Stop()

	fabric := broadcast.New()
	registry := presence.New(st, sessions, fabric, controlLimiter, heartbeatLimiter, presence.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.HeartbeatSweepInterval,
	})
	registry.Start()
	defer registry.Stop()

	gw := gateway.New(registry, controlLimiter, cfg.AllowedOrigins, cfg.Development)

	app := &httpapi.App{
		Store:      st,
		Sessions:   sessions,
		Registry:   registry,
		APILimiter: apiLimiter,
	}

	mux := http.NewServeMux()
	mux.Handle("/", app.Handler())
	mux.Handle("/ws", gw)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WSPort),
		Handler: mux,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")

		gw.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
	}()

	slog.Info("ember server starting", "addr", srv.Addr, "development", cfg.Development)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
