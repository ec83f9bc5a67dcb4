package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replicant-sync/replicant-server/internal/auth"
	"github.com/replicant-sync/replicant-server/internal/db"
	"github.com/replicant-sync/replicant-server/internal/hub"
	"github.com/replicant-sync/replicant-server/internal/store"
)

// Test database URL from environment or skip if not set
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := db.Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := db.EnsureSchema(context.Background(), pool); err != nil {
		t.Fatalf("Failed to ensure schema: %v", err)
	}

	// Clean tables in FK order before each test
	for _, table := range []string{"change_events", "documents", "users", "api_credentials"} {
		if _, err := pool.Exec(context.Background(), "DELETE FROM "+table); err != nil {
			t.Fatalf("Failed to clean %s table: %v", table, err)
		}
	}

	return pool
}

func newTestServer(t *testing.T, pool *pgxpool.Pool) (*httptest.Server, *auth.CredentialStore) {
	t.Helper()

	creds := auth.NewCredentialStore(pool)
	srv := NewServer(
		store.New(pool),
		auth.NewUsers(pool, "replicant-test"),
		auth.NewVerifier(creds),
		hub.New(),
		nil,
	)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	return ts, creds
}

// wsClient drives one websocket session from the client side. Reads
// enforce the reply discipline: awaitReply fails on any interleaved
// broadcast, which doubles as the sender-exclusion check.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	refs int
}

func dialWS(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event, topic string, payload map[string]any) string {
	c.t.Helper()

	c.refs++
	ref := fmt.Sprintf("%d", c.refs)
	if err := c.conn.WriteJSON(Frame{Ref: ref, Topic: topic, Event: event, Payload: payload}); err != nil {
		c.t.Fatalf("Failed to send %s: %v", event, err)
	}
	return ref
}

func (c *wsClient) read() Frame {
	c.t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame Frame
	if err := c.conn.ReadJSON(&frame); err != nil {
		c.t.Fatalf("Failed to read frame: %v", err)
	}
	return frame
}

func (c *wsClient) awaitReply(ref string) (string, map[string]any) {
	c.t.Helper()

	frame := c.read()
	if frame.Event != "reply" {
		c.t.Fatalf("expected reply, got event %q", frame.Event)
	}
	if frame.Ref != ref {
		c.t.Fatalf("reply ref = %q, want %q", frame.Ref, ref)
	}
	status, _ := GetString(frame.Payload, "status")
	response, _ := GetMap(frame.Payload, "response")
	return status, response
}

func (c *wsClient) awaitEvent(event string) map[string]any {
	c.t.Helper()

	frame := c.read()
	if frame.Event != event {
		c.t.Fatalf("expected broadcast %q, got %q", event, frame.Event)
	}
	return frame.Payload
}

func (c *wsClient) request(event, topic string, payload map[string]any) (string, map[string]any) {
	c.t.Helper()
	return c.awaitReply(c.send(event, topic, payload))
}

func (c *wsClient) join(topic, email string, cred *auth.Credential) map[string]any {
	c.t.Helper()

	now := time.Now().Unix()
	status, response := c.request("join", topic, map[string]any{
		"email":     email,
		"api_key":   cred.APIKey,
		"signature": auth.Signature(cred.Secret, now, email, cred.APIKey, ""),
		"timestamp": now,
	})
	if status != "ok" {
		c.t.Fatalf("join failed: %v", response)
	}
	return response
}

func TestSessionLifecycle_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	ts, creds := newTestServer(t, pool)

	cred, err := creds.Create(context.Background(), "device")
	if err != nil {
		t.Fatalf("Failed to create credential: %v", err)
	}

	const topic = "sync:global"
	const email = "ada@example.com"

	// Two devices of the same user share a topic.
	laptop := dialWS(t, ts)
	phone := dialWS(t, ts)

	joined := laptop.join(topic, email, cred)
	wantUser := auth.UserID(auth.NamespaceID("replicant-test"), email).String()
	if joined["user_id"] != wantUser {
		t.Errorf("join user_id = %v, want %s", joined["user_id"], wantUser)
	}
	phone.join(topic, email, cred)

	// Create on the laptop; the phone hears about it.
	docID := uuid.New().String()
	status, response := laptop.request("create_document", topic, map[string]any{
		"id":      docID,
		"content": map[string]any{"title": "T"},
	})
	if status != "ok" {
		t.Fatalf("create_document failed: %v", response)
	}
	if response["document_id"] != docID || response["sync_revision"] != float64(1) {
		t.Errorf("create reply = %v", response)
	}
	hash, _ := response["content_hash"].(string)
	if len(hash) != 64 {
		t.Errorf("content_hash = %v, want 64 hex chars", response["content_hash"])
	}

	created := phone.awaitEvent("document_created")
	if created["document_id"] != docID {
		t.Errorf("broadcast document_id = %v, want %s", created["document_id"], docID)
	}
	content, _ := GetMap(created, "content")
	if content["title"] != "T" {
		t.Errorf("broadcast content = %v", created["content"])
	}

	// Duplicate create reports the existing revision without a new event.
	status, response = laptop.request("create_document", topic, map[string]any{
		"id":      docID,
		"content": map[string]any{"title": "again"},
	})
	if status != "error" || response["reason"] != "conflict" {
		t.Fatalf("duplicate create = %s %v, want conflict", status, response)
	}
	if response["existing_id"] != docID || response["sync_revision"] != float64(1) {
		t.Errorf("conflict details = %v", response)
	}

	// Update with the correct base revision.
	status, response = laptop.request("update_document", topic, map[string]any{
		"document_id":       docID,
		"patch":             []any{map[string]any{"op": "replace", "path": "/title", "value": "T2"}},
		"expected_revision": 1,
	})
	if status != "ok" || response["sync_revision"] != float64(2) {
		t.Fatalf("update reply = %s %v", status, response)
	}

	updated := phone.awaitEvent("document_updated")
	if updated["sync_revision"] != float64(2) {
		t.Errorf("update broadcast = %v", updated)
	}
	if _, ok := updated["patch"]; !ok {
		t.Error("update broadcast should carry the patch")
	}

	// A second update against the stale revision surfaces current state.
	status, response = laptop.request("update_document", topic, map[string]any{
		"document_id":       docID,
		"patch":             []any{map[string]any{"op": "replace", "path": "/title", "value": "stale"}},
		"expected_revision": 1,
	})
	if status != "error" || response["reason"] != "version_mismatch" {
		t.Fatalf("stale update = %s %v, want version_mismatch", status, response)
	}
	if response["current_revision"] != float64(2) {
		t.Errorf("current_revision = %v, want 2", response["current_revision"])
	}
	current, _ := GetMap(response, "current_content")
	if current["title"] != "T2" {
		t.Errorf("current_content = %v", response["current_content"])
	}

	// Full sync from the phone sees the committed state.
	status, response = phone.request("request_full_sync", topic, nil)
	if status != "ok" {
		t.Fatalf("request_full_sync failed: %v", response)
	}
	docs, _ := response["documents"].([]any)
	if len(docs) != 1 {
		t.Fatalf("full sync documents = %v", response["documents"])
	}
	if latest, _ := response["latest_sequence"].(float64); latest < 2 {
		t.Errorf("latest_sequence = %v, want >= 2", response["latest_sequence"])
	}

	// Incremental sync replays the history in order.
	status, response = phone.request("get_changes_since", topic, map[string]any{"last_sequence": 0})
	if status != "ok" {
		t.Fatalf("get_changes_since failed: %v", response)
	}
	events, _ := response["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("events = %v, want create then update", response["events"])
	}
	first, _ := events[0].(map[string]any)
	second, _ := events[1].(map[string]any)
	if first["event_type"] != "create" || second["event_type"] != "update" {
		t.Errorf("event types = %v, %v", first["event_type"], second["event_type"])
	}

	// Delete, observed by the peer, after which the listing is empty.
	status, response = laptop.request("delete_document", topic, map[string]any{"document_id": docID})
	if status != "ok" {
		t.Fatalf("delete_document failed: %v", response)
	}
	deleted := phone.awaitEvent("document_deleted")
	if deleted["document_id"] != docID {
		t.Errorf("delete broadcast = %v", deleted)
	}

	status, response = phone.request("request_full_sync", topic, nil)
	if status != "ok" {
		t.Fatalf("request_full_sync failed: %v", response)
	}
	if docs, _ := response["documents"].([]any); len(docs) != 0 {
		t.Errorf("documents after delete = %v, want none", docs)
	}
}

func TestSessionTopicScoping_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	ts, creds := newTestServer(t, pool)

	cred, err := creds.Create(context.Background(), "device")
	if err != nil {
		t.Fatalf("Failed to create credential: %v", err)
	}

	same := dialWS(t, ts)
	other := dialWS(t, ts)
	writer := dialWS(t, ts)
	same.join("sync:alpha", "ada@example.com", cred)
	other.join("sync:beta", "bob@example.com", cred)
	writer.join("sync:alpha", "carol@example.com", cred)

	status, response := writer.request("create_document", "sync:alpha", map[string]any{
		"id":      uuid.New().String(),
		"content": map[string]any{"title": "scoped"},
	})
	if status != "ok" {
		t.Fatalf("create_document failed: %v", response)
	}

	// The same-topic peer hears the broadcast.
	same.awaitEvent("document_created")

	// The other topic stays silent; the next frame it reads must be its
	// own reply, not a leaked broadcast.
	status, _ = other.request("request_full_sync", "sync:beta", nil)
	if status != "ok" {
		t.Fatalf("request_full_sync failed on quiet topic")
	}
}

func TestSessionRequiresJoin_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()
	ts, _ := newTestServer(t, pool)

	c := dialWS(t, ts)
	status, response := c.request("create_document", "sync:global", map[string]any{
		"id":      uuid.New().String(),
		"content": map[string]any{},
	})
	if status != "error" || response["reason"] != "not_joined" {
		t.Errorf("pre-join create = %s %v, want not_joined", status, response)
	}
}
