package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/replicant-sync/replicant-server/internal/auth"
)

type createCredentialReq struct {
	Name string `json:"name"`
}

type credentialResp struct {
	ID         string     `json:"id"`
	APIKey     string     `json:"api_key"`
	Secret     string     `json:"secret,omitempty"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func credentialWire(c auth.Credential) credentialResp {
	return credentialResp{
		ID:         c.ID.String(),
		APIKey:     c.APIKey,
		Secret:     c.Secret,
		Name:       c.Name,
		IsActive:   c.IsActive,
		LastUsedAt: c.LastUsedAt,
		CreatedAt:  c.CreatedAt,
	}
}

// CreateCredential mints an API key/secret pair. The secret appears in
// this response and nowhere else afterwards.
func (s *Server) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	cred, err := s.Credentials.Create(r.Context(), req.Name)
	if err != nil {
		log.Error().Err(err).Msg("failed to create credential")
		writeError(w, http.StatusInternalServerError, "failed to create credential")
		return
	}
	writeJSON(w, http.StatusCreated, credentialWire(*cred))
}

// ListCredentials returns all credentials without secrets.
func (s *Server) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.Credentials.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list credentials")
		writeError(w, http.StatusInternalServerError, "failed to list credentials")
		return
	}

	out := make([]credentialResp, 0, len(creds))
	for _, c := range creds {
		out = append(out, credentialWire(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// DeactivateCredential turns a credential off. Deactivation is
// idempotent at the store level, so only unknown ids produce 404.
func (s *Server) DeactivateCredential(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid credential id")
		return
	}

	if err := s.Credentials.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "credential not found")
			return
		}
		log.Error().Err(err).Msg("failed to deactivate credential")
		writeError(w, http.StatusInternalServerError, "failed to deactivate credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
