// Package notify publishes change events after successful collection writes
// and lets clients subscribe to them. Delivery is best-effort: a lost or
// duplicated event only delays a client until its next periodic re-fetch, so
// publish failures are logged and swallowed, never surfaced to the write
// that already succeeded.
package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/dharsanguruparan/hubqueue/internal/config"
)

// Event names carried on the shared channel.
const (
	EventImageAdded         = "image_added"
	EventImageUpdated       = "image_updated"
	EventImageCompleted     = "image_completed"
	EventImageDeleted       = "image_deleted"
	EventUsersUpdated       = "users_updated"
	EventMaintenanceUpdated = "maintenance_updated"
	EventQueueUpdated       = "queue_updated"
)

// Event is one message on the channel. Data is a hint: subscribers may use
// it to update local state directly, but must treat a re-fetch as the
// authority.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Publisher is implemented by anything that can emit change events.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any)
}

// RedisPublisher emits events on one redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher builds a publisher from the Config.
func NewRedisPublisher(cfg *config.Config) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisPublisher{client: client, channel: cfg.Channel}
}

// Publish sends the event. Failures are logged and dropped.
func (p *RedisPublisher) Publish(ctx context.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("notify: marshal %s payload: %v", event, err)
		return
	}
	msg, err := json.Marshal(Event{Name: event, Data: data})
	if err != nil {
		log.Printf("notify: marshal %s event: %v", event, err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, msg).Err(); err != nil {
		log.Printf("notify: publish %s: %v", event, err)
	}
}

// Close releases the underlying redis connection.
func (p *RedisPublisher) Close() error { return p.client.Close() }

// NoopPublisher drops every event. Used in tests and by CLI commands that
// mutate nothing clients watch.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) {}

// RedisSubscriber listens on the shared channel and forwards decoded events.
type RedisSubscriber struct {
	client  *redis.Client
	channel string
}

// NewRedisSubscriber builds a subscriber from the Config.
func NewRedisSubscriber(cfg *config.Config) *RedisSubscriber {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisSubscriber{client: client, channel: cfg.Channel}
}

// Subscribe returns a channel of events. The channel closes when ctx is
// cancelled. Undecodable messages are dropped with a log line; the periodic
// re-fetch covers whatever they carried.
func (s *RedisSubscriber) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := s.client.Subscribe(ctx, s.channel)
	// Force the subscription handshake so a bad redis address fails here
	// rather than silently never delivering.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					log.Printf("notify: drop undecodable event: %v", err)
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the underlying redis connection.
func (s *RedisSubscriber) Close() error { return s.client.Close() }
