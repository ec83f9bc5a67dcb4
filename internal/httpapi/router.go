// Package httpapi carries the plain HTTP surface around the sync
// channel: the health probe the front proxy polls, the websocket
// upgrade, and the admin credential API.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/replicant-sync/replicant-server/internal/auth"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	DB          *pgxpool.Pool
	Credentials *auth.CredentialStore

	// SyncHandler runs the websocket session; wired from the channel
	// server in main.
	SyncHandler http.HandlerFunc

	// AdminJWTSecret guards the credential API. Empty leaves the API
	// unregistered entirely.
	AdminJWTSecret string
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// Routes creates the HTTP router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	// Liveness probe for the reverse proxy (unauthenticated)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Sync channel upgrade. No auth at upgrade time; sessions
	// authenticate in their join message.
	r.Get("/sync/websocket", func(w http.ResponseWriter, r *http.Request) {
		s.SyncHandler(w, r)
	})

	// Credential admin API, registered only when a secret is configured.
	if s.AdminJWTSecret != "" {
		r.Group(func(r chi.Router) {
			r.Use(auth.AdminMiddleware(s.AdminJWTSecret))
			r.Post("/v1/credentials", s.CreateCredential)
			r.Get("/v1/credentials", s.ListCredentials)
			r.Delete("/v1/credentials/{id}", s.DeactivateCredential)
		})
	}

	log.Info().Msg("HTTP routes registered")
	return r
}
