package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	EventGrantRevoked EventType = "grant.revoked"
)

// Event is the envelope carried between instances.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus carries grant lifecycle events between relay instances over
// redis pub/sub. A viewer channel lives on exactly one instance, while the
// revocation can be issued on any of them.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    "camrelay:events",
		logger:     logger,
	}
}

func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type)
	return nil
}

// Subscribe delivers events published by other instances to handler until
// ctx is done. Only one subscription per bus is allowed.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns control is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", msg.Payload)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

// OnGrantRevoked forwards a local revocation to the other instances.
func (eb *EventBus) OnGrantRevoked(ctx context.Context, e domain.GrantRevokedEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		eb.logger.Errorw("failed to marshal revocation", "grant_id", e.GrantID, "error", err)
		return
	}
	if err := eb.Publish(ctx, &Event{Type: EventGrantRevoked, Payload: payload}); err != nil {
		eb.logger.Warnw("failed to broadcast revocation", "grant_id", e.GrantID, "error", err)
	}
}

// RunRevocations hands revocations issued on other instances to sink,
// normally the local session gateway. It blocks until ctx is done.
func (eb *EventBus) RunRevocations(ctx context.Context, sink ports.GrantEventSink) error {
	return eb.Subscribe(ctx, func(event *Event) error {
		if event.Type != EventGrantRevoked {
			return nil
		}
		var e domain.GrantRevokedEvent
		if err := json.Unmarshal(event.Payload, &e); err != nil {
			return fmt.Errorf("decode revocation: %w", err)
		}
		eb.logger.Infow("remote grant revocation", "grant_id", e.GrantID, "cause", e.Cause, "instance_id", event.InstanceID)
		sink.OnGrantRevoked(ctx, e)
		return nil
	})
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
