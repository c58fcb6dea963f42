//go:build integration

package redisbus

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pario-ai/llmcache/pkg/models"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}
	return client, cleanup
}

type collectSink struct {
	mu     sync.Mutex
	events []models.StalenessEvent
}

func (c *collectSink) Submit(_ context.Context, ev models.StalenessEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collectSink) snapshot() []models.StalenessEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.StalenessEvent(nil), c.events...)
}

func TestBus_Integration_PublishSubscribe(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	sink := &collectSink{}
	sub := NewSubscriber(client, "", sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	errc := make(chan error, 1)
	go func() { errc <- sub.Run(ctx, ready) }()

	select {
	case <-ready:
	case err := <-errc:
		t.Fatalf("subscriber exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not confirmed")
	}

	// Malformed payloads are skipped.
	if err := client.Publish(ctx, DefaultChannel, "{not json").Err(); err != nil {
		t.Fatal(err)
	}

	pub := NewPublisher(client, "")
	ev := models.StalenessEvent{
		ScopeID:         "checkout_form",
		Reason:          "form re-rendered",
		SourceComponent: models.SourceBrowserPool,
		Timestamp:       time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	n, err := pub.Publish(ctx, ev)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Publish() receivers = %d, want 1", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(sink.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %+v", got)
	}
	if got[0].ScopeID != ev.ScopeID || got[0].SourceComponent != ev.SourceComponent || !got[0].Timestamp.Equal(ev.Timestamp) {
		t.Errorf("event mangled in transit: %+v", got[0])
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
