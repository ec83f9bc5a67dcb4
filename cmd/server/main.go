package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/replicant-sync/replicant-server/internal/auth"
	"github.com/replicant-sync/replicant-server/internal/channel"
	"github.com/replicant-sync/replicant-server/internal/db"
	"github.com/replicant-sync/replicant-server/internal/httpapi"
	"github.com/replicant-sync/replicant-server/internal/hub"
	"github.com/replicant-sync/replicant-server/internal/store"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "replicant-server").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	// Dev/test convenience; production schemas are managed externally.
	if env("DB_ENSURE_SCHEMA", "false") == "true" {
		if err := db.EnsureSchema(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure schema")
		}
		log.Info().Msg("database schema ensured")
	}

	// Broadcast fan-out, optionally bridged across instances via Redis.
	h := hub.New()
	var broadcast hub.Broadcaster = h
	if addr := env("REDIS_ADDR", ""); addr != "" {
		relay, err := hub.Connect(ctx, addr, env("REDIS_CHANNEL", "sync"), h)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis relay")
		}
		defer relay.Close()
		if err := relay.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start redis relay")
		}
		broadcast = relay
		log.Info().Str("addr", addr).Msg("redis relay connected")
	}

	// The namespace string must match the client's or derived user ids
	// will not line up.
	creds := auth.NewCredentialStore(pool)
	users := auth.NewUsers(pool, env("APP_NAMESPACE", "replicant"))

	verifier := auth.NewVerifier(creds)
	if raw := env("AUTH_WINDOW_SECONDS", ""); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			log.Fatal().Str("value", raw).Msg("AUTH_WINDOW_SECONDS must be a positive integer")
		}
		verifier.Window = time.Duration(secs) * time.Second
	}

	sessions := channel.NewServer(store.New(pool), users, verifier, h, broadcast)

	srv := &httpapi.Server{
		DB:             pool,
		Credentials:    creds,
		SyncHandler:    sessions.HandleWebSocket,
		AdminJWTSecret: env("ADMIN_JWT_SECRET", ""),
	}

	httpAddr := env("HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
