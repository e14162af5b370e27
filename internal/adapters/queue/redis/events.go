package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"fleetpulse.state/internal/core/domain"
	"fleetpulse.state/internal/core/logger"
	"fleetpulse.state/internal/core/ports"
)

const StateEventsChannel = "device:online-state:events"

// StateEvents fans state changes out over Redis pub/sub so every instance's
// websocket and MQTT bridges see changes applied by any consumer.
type StateEvents struct {
	client *redis.Client
}

var (
	_ ports.StateEventPublisher  = (*StateEvents)(nil)
	_ ports.StateEventSubscriber = (*StateEvents)(nil)
)

func NewStateEvents(client *redis.Client) *StateEvents {
	return &StateEvents{client: client}
}

func (e *StateEvents) PublishStateChange(ctx context.Context, change domain.StateChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return e.client.Publish(ctx, StateEventsChannel, data).Err()
}

// SubscribeStateChanges returns once the subscription is confirmed. The
// channel is closed when ctx is cancelled.
func (e *StateEvents) SubscribeStateChanges(ctx context.Context) (<-chan domain.StateChange, error) {
	pubsub := e.client.Subscribe(ctx, StateEventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", StateEventsChannel, err)
	}

	ch := make(chan domain.StateChange)
	go func() {
		defer close(ch)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change domain.StateChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					logger.Warn("Dropping undecodable state event", "error", err)
					continue
				}
				select {
				case ch <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
