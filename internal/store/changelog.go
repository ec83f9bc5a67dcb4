package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeEvent is one row of the per-user audit log. Forward holds the
// patch that produced the new state (full content for creates) and
// Reverse the patch that undoes it (full content for deletes).
type ChangeEvent struct {
	Sequence        int64
	DocumentID      uuid.UUID
	UserID          uuid.UUID
	EventType       string
	Forward         any
	Reverse         any
	Applied         bool
	ServerTimestamp time.Time
	CreatedAt       time.Time
}

const (
	defaultChangeLimit = 100
	maxChangeLimit     = 1000
)

// ChangesSince returns the user's change events with sequence strictly
// greater than since, oldest first. A limit of zero or less falls back
// to the default page size.
func (s *Store) ChangesSince(ctx context.Context, userID uuid.UUID, since int64, limit int) ([]ChangeEvent, error) {
	if limit <= 0 {
		limit = defaultChangeLimit
	}
	if limit > maxChangeLimit {
		limit = maxChangeLimit
	}

	rows, err := s.DB.Query(ctx, `
		SELECT sequence, document_id, user_id, event_type, forward_patch, reverse_patch, applied, server_timestamp, created_at
		FROM change_events
		WHERE user_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3`,
		userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query change events: %w", err)
	}
	defer rows.Close()

	var out []ChangeEvent
	for rows.Next() {
		var ev ChangeEvent
		var forwardRaw, reverseRaw []byte
		err := rows.Scan(&ev.Sequence, &ev.DocumentID, &ev.UserID, &ev.EventType,
			&forwardRaw, &reverseRaw, &ev.Applied, &ev.ServerTimestamp, &ev.CreatedAt)
		if err != nil {
			return nil, err
		}
		if forwardRaw != nil {
			if err := json.Unmarshal(forwardRaw, &ev.Forward); err != nil {
				return nil, fmt.Errorf("decode forward patch %d: %w", ev.Sequence, err)
			}
		}
		if reverseRaw != nil {
			if err := json.Unmarshal(reverseRaw, &ev.Reverse); err != nil {
				return nil, fmt.Errorf("decode reverse patch %d: %w", ev.Sequence, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestSequence returns the highest change sequence recorded for the
// user, or zero when the log is empty.
func (s *Store) LatestSequence(ctx context.Context, userID uuid.UUID) (int64, error) {
	var seq int64
	err := s.DB.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM change_events WHERE user_id = $1`,
		userID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query latest sequence: %w", err)
	}
	return seq, nil
}
