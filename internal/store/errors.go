package store

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the document does not exist for this user, or has
// been soft-deleted.
var ErrNotFound = errors.New("document not found")

// ConflictError indicates a create ran into an existing document id.
// Existing carries whatever state the creating user is allowed to see.
type ConflictError struct {
	Existing *Document
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document %s already exists at revision %d", e.Existing.ID, e.Existing.SyncRevision)
}

// VersionMismatchError indicates optimistic locking failure: the client's
// expected revision no longer matches the stored document. Current holds
// the authoritative state so the client can resolve without another round
// trip.
type VersionMismatchError struct {
	Expected int
	Current  *Document
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: expected %d, actual %d", e.Expected, e.Current.SyncRevision)
}

// InvalidPatchError wraps a patch that failed to normalize or apply.
type InvalidPatchError struct {
	Err error
}

func (e *InvalidPatchError) Error() string {
	return fmt.Sprintf("invalid patch: %v", e.Err)
}

func (e *InvalidPatchError) Unwrap() error {
	return e.Err
}
