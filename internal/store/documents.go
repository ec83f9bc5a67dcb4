// Package store persists documents and their append-only change log.
//
// Every mutation runs in a single transaction that writes the document row
// and appends the matching change event; either both commit or neither
// does. Concurrency control is optimistic: updates re-check sync_revision
// inside the UPDATE itself, so no row locks are taken.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/replicant-sync/replicant-server/internal/patch"
)

// Document is a synced JSON document row.
type Document struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Content      any
	SyncRevision int
	ContentHash  *string
	Title        *string
	SizeBytes    int
	DeletedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store encapsulates document persistence.
type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

const documentColumns = `id, user_id, content, sync_revision, content_hash, title, size_bytes, deleted_at, created_at, updated_at`

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Create inserts a new document at revision 1 and appends the create
// event. A duplicate id returns *ConflictError describing the existing
// document.
func (s *Store) Create(ctx context.Context, userID, docID uuid.UUID, content any) (*Document, error) {
	logger := log.With().Str("document_id", docID.String()).Logger()

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}

	doc := &Document{
		ID:           docID,
		UserID:       userID,
		Content:      content,
		SyncRevision: 1,
		Title:        patch.Title(content),
		SizeBytes:    len(contentJSON),
	}
	if h, ok := patch.Hash(content); ok {
		doc.ContentHash = &h
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to begin transaction")
		return nil, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO documents (id, user_id, content, sync_revision, content_hash, title, size_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6, now(), now())
		RETURNING created_at, updated_at`,
		docID, userID, contentJSON, doc.ContentHash, doc.Title, doc.SizeBytes).
		Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Unique violation on the primary key. The aborted tx rolls
			// back via the deferred call; load the existing row from the
			// pool. Ids are global, so the existing document may belong
			// to someone else; only this user's state is disclosed.
			existing, loadErr := s.get(ctx, s.DB, userID, docID)
			if loadErr != nil {
				existing = &Document{ID: docID}
			}
			return nil, &ConflictError{Existing: existing}
		}
		logger.Error().Err(err).Msg("failed to insert document")
		return nil, err
	}

	if err := appendEvent(ctx, tx, docID, userID, "create", contentJSON, nil); err != nil {
		logger.Error().Err(err).Msg("failed to append create event")
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to commit create")
		return nil, err
	}
	return doc, nil
}

// Update applies an RFC 6902 patch to a document. The caller's
// expectedRevision is authoritative: it must equal the stored
// sync_revision or the update fails with *VersionMismatchError carrying
// the current state. On success the revision increments by one and the
// update event records both the forward patch and the computed inverse.
func (s *Store) Update(ctx context.Context, userID, docID uuid.UUID, wirePatch []map[string]any, expectedRevision int) (*Document, error) {
	logger := log.With().Str("document_id", docID.String()).Logger()

	ops, err := patch.Normalize(wirePatch)
	if err != nil {
		return nil, &InvalidPatchError{Err: err}
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to begin transaction")
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := s.get(ctx, tx, userID, docID)
	if err != nil {
		return nil, err
	}
	if current.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if current.SyncRevision != expectedRevision {
		return nil, &VersionMismatchError{Expected: expectedRevision, Current: current}
	}

	newContent, err := patch.Apply(current.Content, ops)
	if err != nil {
		return nil, &InvalidPatchError{Err: err}
	}
	reverse, err := patch.Inverse(newContent, current.Content)
	if err != nil {
		logger.Error().Err(err).Msg("failed to compute reverse patch")
		return nil, err
	}

	contentJSON, err := json.Marshal(newContent)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	forwardJSON, err := json.Marshal(wirePatch)
	if err != nil {
		return nil, fmt.Errorf("encode forward patch: %w", err)
	}
	reverseJSON, err := json.Marshal(reverse)
	if err != nil {
		return nil, fmt.Errorf("encode reverse patch: %w", err)
	}

	doc := &Document{
		ID:        docID,
		UserID:    userID,
		Content:   newContent,
		Title:     patch.Title(newContent),
		SizeBytes: len(contentJSON),
		CreatedAt: current.CreatedAt,
	}
	if h, ok := patch.Hash(newContent); ok {
		doc.ContentHash = &h
	}

	// Compare-and-set: the revision check runs inside the UPDATE, so a
	// writer that committed after our read is detected here instead of
	// being overwritten.
	err = tx.QueryRow(ctx, `
		UPDATE documents
		SET content = $1, content_hash = $2, title = $3, size_bytes = $4,
		    sync_revision = sync_revision + 1, updated_at = now()
		WHERE id = $5 AND user_id = $6 AND sync_revision = $7 AND deleted_at IS NULL
		RETURNING sync_revision, updated_at`,
		contentJSON, doc.ContentHash, doc.Title, doc.SizeBytes, docID, userID, expectedRevision).
		Scan(&doc.SyncRevision, &doc.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Lost the race. Report the winner's state, which this
			// statement observes even inside our transaction under
			// read-committed.
			latest, loadErr := s.get(ctx, tx, userID, docID)
			if loadErr != nil {
				return nil, loadErr
			}
			if latest.DeletedAt != nil {
				return nil, ErrNotFound
			}
			return nil, &VersionMismatchError{Expected: expectedRevision, Current: latest}
		}
		logger.Error().Err(err).Msg("failed to update document")
		return nil, err
	}

	if err := appendEvent(ctx, tx, docID, userID, "update", forwardJSON, reverseJSON); err != nil {
		logger.Error().Err(err).Msg("failed to append update event")
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to commit update")
		return nil, err
	}
	return doc, nil
}

// Delete tombstones a document without touching its revision and appends
// the delete event with the prior content as the reverse patch.
func (s *Store) Delete(ctx context.Context, userID, docID uuid.UUID) (*Document, error) {
	logger := log.With().Str("document_id", docID.String()).Logger()

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to begin transaction")
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := s.get(ctx, tx, userID, docID)
	if err != nil {
		return nil, err
	}
	if current.DeletedAt != nil {
		return nil, ErrNotFound
	}

	reverseJSON, err := json.Marshal(current.Content)
	if err != nil {
		return nil, fmt.Errorf("encode prior content: %w", err)
	}

	var deletedAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE documents SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		RETURNING deleted_at`,
		docID, userID).Scan(&deletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		logger.Error().Err(err).Msg("failed to delete document")
		return nil, err
	}

	if err := appendEvent(ctx, tx, docID, userID, "delete", nil, reverseJSON); err != nil {
		logger.Error().Err(err).Msg("failed to append delete event")
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to commit delete")
		return nil, err
	}

	current.DeletedAt = &deletedAt
	current.UpdatedAt = deletedAt
	return current, nil
}

// Get loads a document in any state, including tombstoned.
func (s *Store) Get(ctx context.Context, userID, docID uuid.UUID) (*Document, error) {
	return s.get(ctx, s.DB, userID, docID)
}

// ListNonDeleted returns the user's live documents, most recently updated
// first.
func (s *Store) ListNonDeleted(ctx context.Context, userID uuid.UUID) ([]Document, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

func (s *Store) get(ctx context.Context, q rowQuerier, userID, docID uuid.UUID) (*Document, error) {
	doc, err := scanDocument(q.QueryRow(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id = $1 AND user_id = $2`,
		docID, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	doc := &Document{}
	var contentRaw []byte
	err := row.Scan(&doc.ID, &doc.UserID, &contentRaw, &doc.SyncRevision, &doc.ContentHash,
		&doc.Title, &doc.SizeBytes, &doc.DeletedAt, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contentRaw, &doc.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return doc, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, docID, userID uuid.UUID, eventType string, forward, reverse []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO change_events (document_id, user_id, event_type, forward_patch, reverse_patch, applied, server_timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, true, now(), now())`,
		docID, userID, eventType, forward, reverse)
	if err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}
