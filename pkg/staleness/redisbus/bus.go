// Package redisbus carries staleness events between processes over a Redis
// pub/sub channel. Producers running outside the cache process publish; the
// cache process subscribes and forwards events to its coordinator.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pario-ai/llmcache/pkg/models"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "llmcache:staleness"

// Sink receives decoded events.
type Sink interface {
	Submit(ctx context.Context, ev models.StalenessEvent) error
}

// Publisher sends staleness events to Redis.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher creates a Publisher on channel.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// Publish encodes ev as JSON and publishes it. It returns the number of
// subscribers that received the message.
func (p *Publisher) Publish(ctx context.Context, ev models.StalenessEvent) (int64, error) {
	if ev.Empty() {
		return 0, fmt.Errorf("publish staleness event: scope or tag required")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode staleness event: %w", err)
	}
	n, err := p.client.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish staleness event: %w", err)
	}
	return n, nil
}

// Subscriber forwards events from Redis to a Sink.
type Subscriber struct {
	client  *redis.Client
	channel string
	sink    Sink
	log     zerolog.Logger
}

// NewSubscriber creates a Subscriber on channel.
func NewSubscriber(client *redis.Client, channel string, sink Sink, logger zerolog.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{client: client, channel: channel, sink: sink, log: logger}
}

// Run subscribes and forwards events until ctx is done. Malformed messages
// are logged and skipped. ready, if non-nil, is closed once the
// subscription is confirmed.
func (s *Subscriber) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	s.log.Info().Str("channel", s.channel).Msg("listening for staleness events")

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev models.StalenessEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed staleness event")
				continue
			}
			if err := s.sink.Submit(ctx, ev); err != nil {
				s.log.Warn().Err(err).
					Str("scope_id", ev.ScopeID).
					Str("dependency_tag", ev.DependencyTag).
					Msg("staleness event rejected")
			}
		}
	}
}
