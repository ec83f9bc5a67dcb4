// Package channel implements the bidirectional sync session: a WebSocket
// transport carrying JSON request/reply envelopes plus broadcast fan-out
// between sessions joined to the same topic.
package channel

import "github.com/replicant-sync/replicant-server/internal/store"

// Frame is one wire message in either direction. Requests carry a client
// chosen ref which the reply echoes; broadcasts have no ref.
type Frame struct {
	Ref     string         `json:"ref,omitempty"`
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

func strValue(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func docWire(d store.Document) map[string]any {
	return map[string]any{
		"id":            d.ID.String(),
		"content":       d.Content,
		"sync_revision": d.SyncRevision,
		"content_hash":  strValue(d.ContentHash),
		"title":         strValue(d.Title),
		"size_bytes":    d.SizeBytes,
		"created_at":    d.CreatedAt,
		"updated_at":    d.UpdatedAt,
	}
}

func eventWire(ev store.ChangeEvent) map[string]any {
	return map[string]any{
		"sequence":         ev.Sequence,
		"document_id":      ev.DocumentID.String(),
		"event_type":       ev.EventType,
		"forward_patch":    ev.Forward,
		"reverse_patch":    ev.Reverse,
		"server_timestamp": ev.ServerTimestamp,
	}
}
