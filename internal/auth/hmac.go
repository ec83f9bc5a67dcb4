package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// DefaultAuthWindow bounds how far a signed timestamp may drift from
// server time in either direction. The boundary itself is accepted.
const DefaultAuthWindow = 300 * time.Second

// Join failure reasons. The error text is the reason string sent to the
// client, so these must stay stable.
var (
	ErrMissingParams    = errors.New("missing_params")
	ErrInvalidTimestamp = errors.New("invalid_timestamp")
	ErrTimestampExpired = errors.New("timestamp_expired")
	ErrInvalidAPIKey    = errors.New("invalid_api_key")
	ErrInvalidSignature = errors.New("invalid_signature")
)

// Signature computes the lowercase hex HMAC-SHA256 of
// "<ts>.<email>.<api_key>.<body>" under the credential secret.
func Signature(secret string, ts int64, email, apiKey, body string) string {
	message := fmt.Sprintf("%d.%s.%s.%s", ts, email, apiKey, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// CredentialFinder is the credential lookup surface the verifier needs.
type CredentialFinder interface {
	FindActiveByKey(ctx context.Context, apiKey string) (*Credential, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID)
}

// Verifier checks join signatures against stored credentials.
type Verifier struct {
	Credentials CredentialFinder
	Window      time.Duration    // zero means DefaultAuthWindow
	Now         func() time.Time // test hook; nil means time.Now
}

func NewVerifier(creds CredentialFinder) *Verifier {
	return &Verifier{Credentials: creds}
}

// Verify validates a join signature and returns the matching credential.
// The timestamp may arrive as a JSON string or number; anything that is
// not a whole number of seconds fails with invalid_timestamp. Signature
// comparison is constant-time. On success the credential's last_used_at
// is touched best-effort.
func (v *Verifier) Verify(ctx context.Context, apiKey, signature string, timestamp any, email, body string) (*Credential, error) {
	ts, ok := timestampSeconds(timestamp)
	if !ok {
		return nil, ErrInvalidTimestamp
	}

	window := v.Window
	if window <= 0 {
		window = DefaultAuthWindow
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(window/time.Second) {
		log.Warn().
			Int64("timestamp", ts).
			Int64("drift_seconds", drift).
			Msg("join timestamp outside acceptable window")
		return nil, ErrTimestampExpired
	}

	cred, err := v.Credentials.FindActiveByKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("look up credential: %w", err)
	}

	// Constant-time comparison to prevent timing attacks.
	expected := Signature(cred.Secret, ts, email, apiKey, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		log.Warn().
			Str("api_key", apiKey).
			Str("email", email).
			Msg("join signature mismatch")
		return nil, ErrInvalidSignature
	}

	v.Credentials.TouchLastUsed(ctx, cred.ID)
	return cred, nil
}

// timestampSeconds coerces a wire timestamp into unix seconds.
func timestampSeconds(v any) (int64, bool) {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	case float64:
		n := int64(t)
		return n, float64(n) == t
	case int:
		return int64(t), true
	case int64:
		return t, true
	default:
		return 0, false
	}
}
