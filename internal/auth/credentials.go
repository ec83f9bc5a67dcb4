package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	apiKeyPrefix = "rpa_"
	secretPrefix = "rps_"
	tokenBytes   = 32
)

// Credential is an API credential used to sign channel joins.
// Secret is populated at creation time and by the verifier; listing
// operations leave it empty.
type Credential struct {
	ID         uuid.UUID
	APIKey     string
	Secret     string
	Name       string
	IsActive   bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// GenerateCredentials returns a fresh api key / secret pair: a fixed
// prefix plus the hex encoding of 32 cryptographically random bytes.
func GenerateCredentials() (apiKey, secret string, err error) {
	k, err := randomHex(tokenBytes)
	if err != nil {
		return "", "", err
	}
	s, err := randomHex(tokenBytes)
	if err != nil {
		return "", "", err
	}
	return apiKeyPrefix + k, secretPrefix + s, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CredentialStore persists API credentials.
type CredentialStore struct {
	DB *pgxpool.Pool
}

func NewCredentialStore(db *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{DB: db}
}

// Create generates and stores a new credential pair under the given name.
// The returned Credential carries the secret; it is not retrievable later.
func (s *CredentialStore) Create(ctx context.Context, name string) (*Credential, error) {
	apiKey, secret, err := GenerateCredentials()
	if err != nil {
		return nil, err
	}

	c := &Credential{
		ID:       uuid.New(),
		APIKey:   apiKey,
		Secret:   secret,
		Name:     name,
		IsActive: true,
	}
	err = s.DB.QueryRow(ctx, `
		INSERT INTO api_credentials (id, api_key, secret, name, is_active, created_at)
		VALUES ($1, $2, $3, $4, true, now())
		RETURNING created_at`,
		c.ID, apiKey, secret, name).Scan(&c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}
	return c, nil
}

// FindActiveByKey loads the active credential for an api key.
// Returns pgx.ErrNoRows when no active credential matches.
func (s *CredentialStore) FindActiveByKey(ctx context.Context, apiKey string) (*Credential, error) {
	c := &Credential{}
	err := s.DB.QueryRow(ctx, `
		SELECT id, api_key, secret, name, is_active, last_used_at, created_at
		FROM api_credentials
		WHERE api_key = $1 AND is_active = true`,
		apiKey).Scan(&c.ID, &c.APIKey, &c.Secret, &c.Name, &c.IsActive, &c.LastUsedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// TouchLastUsed records credential use. Best-effort: failures only log.
func (s *CredentialStore) TouchLastUsed(ctx context.Context, id uuid.UUID) {
	if _, err := s.DB.Exec(ctx,
		`UPDATE api_credentials SET last_used_at = now() WHERE id = $1`, id); err != nil {
		log.Warn().Err(err).Str("credential_id", id.String()).Msg("failed to update credential last_used_at")
	}
}

// List returns all credentials, newest first, without secrets.
func (s *CredentialStore) List(ctx context.Context) ([]Credential, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, api_key, name, is_active, last_used_at, created_at
		FROM api_credentials
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.APIKey, &c.Name, &c.IsActive, &c.LastUsedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Deactivate disables a credential. Returns pgx.ErrNoRows when the id is
// unknown.
func (s *CredentialStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.DB.Exec(ctx,
		`UPDATE api_credentials SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
