package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/replicant-sync/replicant-server/internal/auth"
	"github.com/replicant-sync/replicant-server/internal/ot"
	"github.com/replicant-sync/replicant-server/internal/patch"
	"github.com/replicant-sync/replicant-server/internal/store"
)

var writeEvents = map[string]bool{
	"create_document": true,
	"update_document": true,
	"delete_document": true,
}

// dispatch routes one inbound frame. Handlers never panic outward; every
// failure becomes an error reply with a string reason.
func (srv *Server) dispatch(ctx context.Context, s *Session, frame Frame) {
	if frame.Event == "join" {
		srv.handleJoin(ctx, s, frame)
		return
	}
	if !s.joined {
		s.replyError(frame, "not_joined", "join a sync topic first", nil)
		return
	}
	if writeEvents[frame.Event] {
		if allowed, wait := s.allow(); !allowed {
			s.replyError(frame, "rate_limited",
				fmt.Sprintf("too many writes, retry in %ds", int(wait.Seconds())+1), nil)
			return
		}
	}

	switch frame.Event {
	case "create_document":
		srv.handleCreate(ctx, s, frame)
	case "update_document":
		srv.handleUpdate(ctx, s, frame)
	case "delete_document":
		srv.handleDelete(ctx, s, frame)
	case "request_full_sync":
		srv.handleFullSync(ctx, s, frame)
	case "get_changes_since":
		srv.handleChangesSince(ctx, s, frame)
	case "transform_operations":
		srv.handleTransform(ctx, s, frame)
	default:
		s.replyError(frame, "unknown_event", "unsupported event "+frame.Event, nil)
	}
}

func (srv *Server) handleJoin(ctx context.Context, s *Session, frame Frame) {
	if s.joined {
		s.replyError(frame, "already_joined", "session already joined "+s.topic, nil)
		return
	}
	if !strings.HasPrefix(frame.Topic, "sync:") {
		s.replyError(frame, "invalid_topic", `topic must be "sync:<scope>"`, nil)
		return
	}

	email, okEmail := GetString(frame.Payload, "email")
	apiKey, okKey := GetString(frame.Payload, "api_key")
	signature, okSig := GetString(frame.Payload, "signature")
	timestamp, okTS := frame.Payload["timestamp"]
	if !okEmail || !okKey || !okSig || !okTS {
		s.replyError(frame, "missing_params", "email, api_key, signature and timestamp are required", nil)
		return
	}

	if _, err := srv.Verifier.Verify(ctx, apiKey, signature, timestamp, email, ""); err != nil {
		s.replyError(frame, authReason(err), "authentication failed", nil)
		return
	}

	user, err := srv.Users.GetOrCreate(ctx, email)
	if err != nil {
		log.Error().Err(err).Str("session", s.id).Msg("failed to establish user on join")
		s.replyError(frame, "join_failed", "could not establish user", nil)
		return
	}

	s.joined = true
	s.topic = frame.Topic
	s.userID = user.ID
	s.email = user.Email
	srv.Users.TouchLastSeen(ctx, user.ID)

	// Reply before subscribing so no broadcast can jump ahead of the
	// join acknowledgement in the outbound queue.
	s.replyOK(frame, map[string]any{"user_id": user.ID.String()})
	srv.Hub.Subscribe(frame.Topic, s)
	log.Info().Str("session", s.id).Str("user_id", user.ID.String()).Str("topic", frame.Topic).Msg("session joined")
}

func authReason(err error) string {
	for _, kind := range []error{
		auth.ErrMissingParams,
		auth.ErrInvalidTimestamp,
		auth.ErrTimestampExpired,
		auth.ErrInvalidAPIKey,
		auth.ErrInvalidSignature,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "auth_failed"
}

func (srv *Server) handleCreate(ctx context.Context, s *Session, frame Frame) {
	idStr, okID := GetString(frame.Payload, "id")
	docID, okUUID := ParseUUID(idStr)
	content, okContent := frame.Payload["content"]
	if !okID || !okUUID || !okContent {
		s.replyError(frame, "missing_params", "id and content are required", nil)
		return
	}

	doc, err := srv.Store.Create(ctx, s.userID, docID, content)
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			s.replyError(frame, "conflict", "document already exists", map[string]any{
				"existing_id":   conflict.Existing.ID.String(),
				"sync_revision": conflict.Existing.SyncRevision,
			})
			return
		}
		s.replyError(frame, "insert_failed", "could not create document", nil)
		return
	}

	s.replyOK(frame, map[string]any{
		"document_id":   doc.ID.String(),
		"sync_revision": doc.SyncRevision,
		"content_hash":  strValue(doc.ContentHash),
	})
	srv.Broadcast.Publish(ctx, s.topic, s.id, "document_created", map[string]any{
		"document_id":   doc.ID.String(),
		"content":       doc.Content,
		"sync_revision": doc.SyncRevision,
		"content_hash":  strValue(doc.ContentHash),
	})
}

func (srv *Server) handleUpdate(ctx context.Context, s *Session, frame Frame) {
	idStr, okID := GetString(frame.Payload, "document_id")
	docID, okUUID := ParseUUID(idStr)
	wirePatch, okPatch := GetPatch(frame.Payload, "patch")
	expected, okRev := GetInt(frame.Payload, "expected_revision")
	if !okID || !okUUID || !okPatch || !okRev {
		s.replyError(frame, "missing_params", "document_id, patch and expected_revision are required", nil)
		return
	}

	doc, err := srv.Store.Update(ctx, s.userID, docID, wirePatch, int(expected))
	if err != nil {
		var mismatch *store.VersionMismatchError
		var invalid *store.InvalidPatchError
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.replyError(frame, "not_found", "document not found", nil)
		case errors.As(err, &mismatch):
			s.replyError(frame, "version_mismatch", "document changed since last sync", map[string]any{
				"current_revision": mismatch.Current.SyncRevision,
				"current_content":  mismatch.Current.Content,
				"current_hash":     strValue(mismatch.Current.ContentHash),
			})
		case errors.As(err, &invalid):
			s.replyError(frame, "invalid_patch", invalid.Error(), nil)
		default:
			s.replyError(frame, "update_failed", "could not update document", nil)
		}
		return
	}

	s.replyOK(frame, map[string]any{"sync_revision": doc.SyncRevision})
	srv.Broadcast.Publish(ctx, s.topic, s.id, "document_updated", map[string]any{
		"document_id":   doc.ID.String(),
		"patch":         wirePatch,
		"sync_revision": doc.SyncRevision,
		"content_hash":  strValue(doc.ContentHash),
	})
}

func (srv *Server) handleDelete(ctx context.Context, s *Session, frame Frame) {
	idStr, okID := GetString(frame.Payload, "document_id")
	docID, okUUID := ParseUUID(idStr)
	if !okID || !okUUID {
		s.replyError(frame, "missing_params", "document_id is required", nil)
		return
	}

	if _, err := srv.Store.Delete(ctx, s.userID, docID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.replyError(frame, "not_found", "document not found", nil)
		} else {
			s.replyError(frame, "delete_failed", "could not delete document", nil)
		}
		return
	}

	s.replyOK(frame, nil)
	srv.Broadcast.Publish(ctx, s.topic, s.id, "document_deleted", map[string]any{
		"document_id": docID.String(),
	})
}

func (srv *Server) handleFullSync(ctx context.Context, s *Session, frame Frame) {
	docs, err := srv.Store.ListNonDeleted(ctx, s.userID)
	if err != nil {
		s.replyError(frame, "sync_failed", "could not load documents", nil)
		return
	}
	latest, err := srv.Store.LatestSequence(ctx, s.userID)
	if err != nil {
		s.replyError(frame, "sync_failed", "could not load change log position", nil)
		return
	}

	wire := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		wire = append(wire, docWire(d))
	}
	s.replyOK(frame, map[string]any{
		"documents":       wire,
		"latest_sequence": latest,
	})
}

func (srv *Server) handleChangesSince(ctx context.Context, s *Session, frame Frame) {
	since, ok := GetInt(frame.Payload, "last_sequence")
	if !ok {
		s.replyError(frame, "missing_params", "last_sequence is required", nil)
		return
	}
	limit, _ := GetInt(frame.Payload, "limit")

	events, err := srv.Store.ChangesSince(ctx, s.userID, since, int(limit))
	if err != nil {
		s.replyError(frame, "sync_failed", "could not load change events", nil)
		return
	}
	latest, err := srv.Store.LatestSequence(ctx, s.userID)
	if err != nil {
		s.replyError(frame, "sync_failed", "could not load change log position", nil)
		return
	}

	wire := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		wire = append(wire, eventWire(ev))
	}
	s.replyOK(frame, map[string]any{
		"events":          wire,
		"latest_sequence": latest,
	})
}

func (srv *Server) handleTransform(ctx context.Context, s *Session, frame Frame) {
	localWire, okL := GetPatch(frame.Payload, "local_ops")
	remoteWire, okR := GetPatch(frame.Payload, "remote_ops")
	if !okL || !okR {
		s.replyError(frame, "missing_params", "local_ops and remote_ops are required", nil)
		return
	}

	localOps, err := patch.Normalize(localWire)
	if err != nil {
		s.replyError(frame, "transform_failed", err.Error(), nil)
		return
	}
	remoteOps, err := patch.Normalize(remoteWire)
	if err != nil {
		s.replyError(frame, "transform_failed", err.Error(), nil)
		return
	}

	localOut, remoteOut, err := ot.TransformLists(localOps, remoteOps)
	if err != nil {
		s.replyError(frame, "transform_failed", err.Error(), nil)
		return
	}

	s.replyOK(frame, map[string]any{
		"transformed_local":  patch.ToWire(localOut),
		"transformed_remote": patch.ToWire(remoteOut),
	})
}
