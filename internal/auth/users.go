package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// User is a sync identity created lazily on first authenticated join.
type User struct {
	ID         uuid.UUID
	Email      string
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// NamespaceID derives the UUIDv5 namespace for user ids from the
// application id string. Clients derive the same namespace, so ids agree
// across independently provisioned nodes.
func NamespaceID(appID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(appID))
}

// UserID derives the stable user id for an email within a namespace.
func UserID(namespace uuid.UUID, email string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(email))
}

// Users looks up and lazily creates user rows keyed by derived id.
type Users struct {
	DB        *pgxpool.Pool
	Namespace uuid.UUID
}

func NewUsers(db *pgxpool.Pool, appID string) *Users {
	return &Users{DB: db, Namespace: NamespaceID(appID)}
}

// GetOrCreate upserts the user row for email. Ids are derived from the
// email, so a concurrent first join from two sessions lands on one row.
func (u *Users) GetOrCreate(ctx context.Context, email string) (*User, error) {
	id := UserID(u.Namespace, email)
	usr := &User{}
	err := u.DB.QueryRow(ctx, `
		INSERT INTO users (id, email, created_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET email = excluded.email
		RETURNING id, email, last_seen_at, created_at`,
		id, email).Scan(&usr.ID, &usr.Email, &usr.LastSeenAt, &usr.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return usr, nil
}

// TouchLastSeen records activity. Best-effort: failures only log.
func (u *Users) TouchLastSeen(ctx context.Context, id uuid.UUID) {
	if _, err := u.DB.Exec(ctx,
		`UPDATE users SET last_seen_at = now() WHERE id = $1`, id); err != nil {
		log.Warn().Err(err).Str("user_id", id.String()).Msg("failed to update user last_seen_at")
	}
}
