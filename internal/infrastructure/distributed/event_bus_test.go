package distributed

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("CAMRELAY_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []domain.GrantRevokedEvent
}

func (s *sinkRecorder) OnGrantRevoked(_ context.Context, e domain.GrantRevokedEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestEventBus_RevocationCrossesInstances(t *testing.T) {
	client := testClient(t)
	logger := zaptest.NewLogger(t).Sugar()
	channel := "camrelay:test:" + uuid.NewString()

	a := NewEventBus(client, "instance-a", logger)
	b := NewEventBus(client, "instance-b", logger)
	a.channel, b.channel = channel, channel

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinkA, sinkB := &sinkRecorder{}, &sinkRecorder{}
	go a.RunRevocations(ctx, sinkA)
	go b.RunRevocations(ctx, sinkB)

	// Subscriptions are confirmed asynchronously; publish until delivered.
	require.Eventually(t, func() bool {
		a.OnGrantRevoked(ctx, domain.GrantRevokedEvent{GrantID: "grant-1", Cause: domain.CauseRevoked, RevokedBy: "owner-1"})
		return sinkB.count() > 0
	}, 2*time.Second, 50*time.Millisecond)

	assert.Equal(t, 0, sinkA.count(), "own events are not delivered back")
	sinkB.mu.Lock()
	assert.Equal(t, domain.GrantID("grant-1"), sinkB.events[0].GrantID)
	sinkB.mu.Unlock()
}

func TestEventBus_SubscribeTwice(t *testing.T) {
	client := testClient(t)
	bus := NewEventBus(client, "instance-a", zaptest.NewLogger(t).Sugar())
	bus.channel = "camrelay:test:" + uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Subscribe(ctx, func(*Event) error { return nil })

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return bus.pubsub != nil
	}, time.Second, 10*time.Millisecond)
	assert.Error(t, bus.Subscribe(ctx, func(*Event) error { return nil }))
}
