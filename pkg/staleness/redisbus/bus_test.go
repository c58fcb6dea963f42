package redisbus

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pario-ai/llmcache/pkg/models"
)

func TestPublishRejectsEmptyEvent(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	if _, err := NewPublisher(client, "").Publish(context.Background(), models.StalenessEvent{Reason: "x"}); err == nil {
		t.Error("expected error for empty event")
	}
}

func TestDefaultChannel(t *testing.T) {
	p := NewPublisher(nil, "")
	if p.channel != DefaultChannel {
		t.Errorf("channel = %q, want %q", p.channel, DefaultChannel)
	}
	s := NewSubscriber(nil, "custom", nil, zerolog.Nop())
	if s.channel != "custom" {
		t.Errorf("channel = %q, want custom", s.channel)
	}
}
