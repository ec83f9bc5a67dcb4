package channel

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/replicant-sync/replicant-server/internal/auth"
	"github.com/replicant-sync/replicant-server/internal/hub"
)

const testNow = int64(1700000000)

type stubCredentials struct {
	cred *auth.Credential
}

func (f *stubCredentials) FindActiveByKey(ctx context.Context, apiKey string) (*auth.Credential, error) {
	if f.cred != nil && f.cred.APIKey == apiKey {
		return f.cred, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *stubCredentials) TouchLastUsed(ctx context.Context, id uuid.UUID) {}

func newBareServer(finder auth.CredentialFinder) *Server {
	verifier := auth.NewVerifier(finder)
	verifier.Now = func() time.Time { return time.Unix(testNow, 0) }
	return NewServer(nil, nil, verifier, hub.New(), nil)
}

func newBareSession(srv *Server) *Session {
	return &Session{
		id:       uuid.New().String(),
		server:   srv,
		outbound: make(chan Frame, 8),
		done:     make(chan struct{}),
	}
}

func takeReply(t *testing.T, s *Session) Frame {
	t.Helper()
	select {
	case frame := <-s.outbound:
		return frame
	default:
		t.Fatal("no reply enqueued")
		return Frame{}
	}
}

func replyParts(t *testing.T, frame Frame) (string, map[string]any) {
	t.Helper()
	if frame.Event != "reply" {
		t.Fatalf("frame event = %q, want reply", frame.Event)
	}
	status, _ := GetString(frame.Payload, "status")
	response, _ := GetMap(frame.Payload, "response")
	return status, response
}

func expectErrorReply(t *testing.T, s *Session, reason string) map[string]any {
	t.Helper()
	status, response := replyParts(t, takeReply(t, s))
	if status != "error" {
		t.Fatalf("status = %q, want error", status)
	}
	if got := response["reason"]; got != reason {
		t.Fatalf("reason = %v, want %s", got, reason)
	}
	return response
}

func TestDispatchRequiresJoin(t *testing.T) {
	srv := newBareServer(&stubCredentials{})
	ctx := context.Background()

	for _, event := range []string{
		"create_document", "update_document", "delete_document",
		"request_full_sync", "get_changes_since", "transform_operations",
	} {
		s := newBareSession(srv)
		srv.dispatch(ctx, s, Frame{Ref: "1", Topic: "sync:global", Event: event})
		expectErrorReply(t, s, "not_joined")
	}
}

func TestJoinTopicValidation(t *testing.T) {
	srv := newBareServer(&stubCredentials{})
	s := newBareSession(srv)

	srv.dispatch(context.Background(), s, Frame{Ref: "1", Topic: "documents:1", Event: "join", Payload: map[string]any{
		"email": "a@b.c", "api_key": "k", "signature": "s", "timestamp": "1",
	}})
	expectErrorReply(t, s, "invalid_topic")
}

func TestJoinMissingParams(t *testing.T) {
	srv := newBareServer(&stubCredentials{})
	full := map[string]any{
		"email":     "ada@example.com",
		"api_key":   "rpa_k",
		"signature": "sig",
		"timestamp": "1700000000",
	}

	for _, drop := range []string{"email", "api_key", "signature", "timestamp"} {
		s := newBareSession(srv)
		payload := map[string]any{}
		for k, v := range full {
			if k != drop {
				payload[k] = v
			}
		}
		srv.dispatch(context.Background(), s, Frame{Ref: "1", Topic: "sync:global", Event: "join", Payload: payload})
		expectErrorReply(t, s, "missing_params")
	}
}

func TestJoinAuthFailureReasons(t *testing.T) {
	cred := &auth.Credential{
		ID:     uuid.New(),
		APIKey: "rpa_known",
		Secret: "rps_secret",
	}
	srv := newBareServer(&stubCredentials{cred: cred})
	goodSig := auth.Signature(cred.Secret, testNow, "ada@example.com", cred.APIKey, "")

	tests := []struct {
		name    string
		payload map[string]any
		reason  string
	}{
		{
			"garbled timestamp",
			map[string]any{"email": "ada@example.com", "api_key": cred.APIKey, "signature": goodSig, "timestamp": "abc"},
			"invalid_timestamp",
		},
		{
			"expired timestamp",
			map[string]any{"email": "ada@example.com", "api_key": cred.APIKey, "signature": goodSig, "timestamp": testNow - 301},
			"timestamp_expired",
		},
		{
			"unknown api key",
			map[string]any{"email": "ada@example.com", "api_key": "rpa_other", "signature": goodSig, "timestamp": testNow},
			"invalid_api_key",
		},
		{
			"wrong signature",
			map[string]any{"email": "ada@example.com", "api_key": cred.APIKey, "signature": "deadbeef", "timestamp": testNow},
			"invalid_signature",
		},
		{
			"signature over different email",
			map[string]any{"email": "eve@example.com", "api_key": cred.APIKey, "signature": goodSig, "timestamp": testNow},
			"invalid_signature",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newBareSession(srv)
			srv.dispatch(context.Background(), s, Frame{Ref: "1", Topic: "sync:global", Event: "join", Payload: tt.payload})
			expectErrorReply(t, s, tt.reason)
		})
	}
}

func TestJoinTwiceRejected(t *testing.T) {
	srv := newBareServer(&stubCredentials{})
	s := newBareSession(srv)
	s.joined = true
	s.topic = "sync:global"

	srv.dispatch(context.Background(), s, Frame{Ref: "2", Topic: "sync:global", Event: "join", Payload: map[string]any{}})
	expectErrorReply(t, s, "already_joined")
}

func TestUnknownEvent(t *testing.T) {
	srv := newBareServer(&stubCredentials{})
	s := newBareSession(srv)
	s.joined = true
	s.topic = "sync:global"

	srv.dispatch(context.Background(), s, Frame{Ref: "3", Topic: "sync:global", Event: "rename_document"})
	expectErrorReply(t, s, "unknown_event")
}

func TestTransformOperations(t *testing.T) {
	srv := newBareServer(&stubCredentials{})
	s := newBareSession(srv)
	s.joined = true
	s.topic = "sync:global"

	srv.dispatch(context.Background(), s, Frame{Ref: "4", Topic: "sync:global", Event: "transform_operations", Payload: map[string]any{
		"local_ops":  []any{map[string]any{"op": "add", "path": "/items/2", "value": "L"}},
		"remote_ops": []any{map[string]any{"op": "add", "path": "/items/5", "value": "R"}},
	}})

	status, response := replyParts(t, takeReply(t, s))
	if status != "ok" {
		t.Fatalf("status = %q, response = %v", status, response)
	}
	local := response["transformed_local"].([]map[string]any)
	remote := response["transformed_remote"].([]map[string]any)
	if len(local) != 1 || local[0]["path"] != "/items/2" {
		t.Errorf("transformed_local = %v, want untouched /items/2", local)
	}
	if len(remote) != 1 || remote[0]["path"] != "/items/6" {
		t.Errorf("transformed_remote = %v, want shifted /items/6", remote)
	}
}

func TestTransformOperationsBadOps(t *testing.T) {
	srv := newBareServer(&stubCredentials{})
	s := newBareSession(srv)
	s.joined = true
	s.topic = "sync:global"

	srv.dispatch(context.Background(), s, Frame{Ref: "5", Topic: "sync:global", Event: "transform_operations", Payload: map[string]any{
		"local_ops":  []any{map[string]any{"path": "/items/2"}},
		"remote_ops": []any{},
	}})
	expectErrorReply(t, s, "transform_failed")

	srv.dispatch(context.Background(), s, Frame{Ref: "6", Topic: "sync:global", Event: "transform_operations", Payload: map[string]any{
		"local_ops": []any{},
	}})
	expectErrorReply(t, s, "missing_params")
}

func TestWriteEventsRateLimited(t *testing.T) {
	srv := newBareServer(&stubCredentials{})
	s := newBareSession(srv)
	s.joined = true
	s.topic = "sync:global"
	s.limiter = NewTokenBucket(1, 0.001)
	ctx := context.Background()

	// First write consumes the only token; it fails later on params,
	// which is fine here.
	srv.dispatch(ctx, s, Frame{Ref: "7", Topic: "sync:global", Event: "create_document"})
	expectErrorReply(t, s, "missing_params")

	srv.dispatch(ctx, s, Frame{Ref: "8", Topic: "sync:global", Event: "create_document"})
	expectErrorReply(t, s, "rate_limited")

	// Read-type events bypass the limiter.
	srv.dispatch(ctx, s, Frame{Ref: "9", Topic: "sync:global", Event: "transform_operations", Payload: map[string]any{
		"local_ops":  []any{},
		"remote_ops": []any{},
	}})
	if status, _ := replyParts(t, takeReply(t, s)); status != "ok" {
		t.Errorf("read event status = %q, want ok despite drained bucket", status)
	}
}

func TestDeliverDropsWhenFull(t *testing.T) {
	s := &Session{
		id:       "s1",
		outbound: make(chan Frame, 1),
		done:     make(chan struct{}),
	}

	s.Deliver(hub.Message{Topic: "sync:global", Event: "document_created"})
	// Buffer is now full; this must drop instead of blocking.
	s.Deliver(hub.Message{Topic: "sync:global", Event: "document_updated"})

	frame := <-s.outbound
	if frame.Event != "document_created" {
		t.Errorf("delivered event = %q, want document_created", frame.Event)
	}
	select {
	case extra := <-s.outbound:
		t.Errorf("unexpected second frame %v", extra)
	default:
	}

	// A closed session swallows deliveries.
	close(s.done)
	s.Deliver(hub.Message{Topic: "sync:global", Event: "document_deleted"})
}
