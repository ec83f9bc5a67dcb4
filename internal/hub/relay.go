package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Relay bridges hub publishes across server instances over a Redis
// pub/sub channel. Local fan-out happens first; the message is then
// republished on the channel tagged with this instance's id so our own
// subscription can ignore the echo.
type Relay struct {
	Local *Hub

	rdb      *redis.Client
	channel  string
	instance string
}

type relayEnvelope struct {
	Instance string         `json:"instance"`
	Topic    string         `json:"topic"`
	Sender   string         `json:"sender"`
	Event    string         `json:"event"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Connect dials Redis and returns a relay wrapping the local hub.
func Connect(ctx context.Context, addr, channel string, local *Hub) (*Relay, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Relay{
		Local:    local,
		rdb:      rdb,
		channel:  channel,
		instance: uuid.New().String(),
	}, nil
}

// Publish fans out locally, then forwards to the other instances.
// Redis failures are logged and swallowed: a broadcast is best-effort
// and must never fail the write that triggered it.
func (r *Relay) Publish(ctx context.Context, topic, senderID, event string, payload map[string]any) {
	r.Local.Publish(ctx, topic, senderID, event, payload)

	raw, err := json.Marshal(relayEnvelope{
		Instance: r.instance,
		Topic:    topic,
		Sender:   senderID,
		Event:    event,
		Payload:  payload,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode relay message")
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to forward broadcast to redis")
	}
}

// Run subscribes to the relay channel and feeds remote publishes into
// the local hub until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)

	// Confirms the subscription actually started.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var env relayEnvelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					log.Warn().Err(err).Msg("bad relay payload")
					continue
				}
				if env.Instance == r.instance {
					continue
				}
				r.Local.Publish(ctx, env.Topic, env.Sender, env.Event, env.Payload)
			}
		}
	}()

	return nil
}

// Close tears down the Redis connection.
func (r *Relay) Close() error {
	return r.rdb.Close()
}
