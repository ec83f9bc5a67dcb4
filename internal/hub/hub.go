// Package hub fans broadcast messages out to every session subscribed to
// a topic. Delivery is best-effort: subscribers enqueue non-blocking and
// a full buffer means the message is dropped for that subscriber.
package hub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Message is one broadcast as seen by subscribers.
type Message struct {
	Topic    string         `json:"topic"`
	SenderID string         `json:"sender"`
	Event    string         `json:"event"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Subscriber receives broadcasts for the topics it joined. Deliver must
// not block; sessions enqueue to a buffered channel and drop when full.
type Subscriber interface {
	ID() string
	Deliver(msg Message)
}

// Broadcaster is the publish side of the hub. The Redis relay satisfies
// it too, so handlers stay unaware of whether publishes cross instances.
type Broadcaster interface {
	Publish(ctx context.Context, topic, senderID, event string, payload map[string]any)
}

// Hub routes messages to local subscribers grouped by topic.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber
}

func New() *Hub {
	return &Hub{topics: make(map[string]map[string]Subscriber)}
}

// Subscribe adds sub to a topic. Subscribing the same id again replaces
// the previous handle.
func (h *Hub) Subscribe(topic string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		h.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	log.Debug().Str("topic", topic).Str("subscriber", sub.ID()).Msg("subscribed")
}

// Unsubscribe removes the subscriber from a topic, dropping the topic
// entry once it empties.
func (h *Hub) Unsubscribe(topic, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Publish delivers the message to every subscriber on the topic except
// the sender. Delivery happens against a snapshot so the registry lock
// is never held across sends.
func (h *Hub) Publish(ctx context.Context, topic, senderID, event string, payload map[string]any) {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.topics[topic]))
	for id, sub := range h.topics[topic] {
		if id == senderID {
			continue
		}
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	msg := Message{Topic: topic, SenderID: senderID, Event: event, Payload: payload}
	for _, sub := range subs {
		sub.Deliver(msg)
	}
}

// Subscribers reports how many handles are on a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
