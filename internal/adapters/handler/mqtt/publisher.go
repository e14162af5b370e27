package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fleetpulse.state/internal/core/domain"
	"fleetpulse.state/internal/core/logger"
	"fleetpulse.state/internal/core/ports"
)

const (
	publishTimeout    = 5 * time.Second
	defaultRetryDelay = 2 * time.Second
)

// Publisher mirrors device state changes onto MQTT. Each device gets a
// retained message at <prefix>/devices/<uuid>/state so late subscribers see
// the current state immediately.
type Publisher struct {
	client mqtt.Client
	events ports.StateEventSubscriber
	prefix string

	// Wait between subscribe attempts while the event bus is unavailable.
	retryDelay time.Duration
}

// NewPublisher connects to the broker.
func NewPublisher(events ports.StateEventSubscriber, brokerURL, prefix string, retryDelay time.Duration) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("fleetpulse-state-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("Connected to MQTT broker", "broker", brokerURL)
	return newPublisher(client, events, prefix, retryDelay), nil
}

func newPublisher(client mqtt.Client, events ports.StateEventSubscriber, prefix string, retryDelay time.Duration) *Publisher {
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Publisher{
		client:     client,
		events:     events,
		prefix:     prefix,
		retryDelay: retryDelay,
	}
}

// Start consumes state changes until ctx is done.
func (p *Publisher) Start(ctx context.Context) {
	go p.consumeStateChanges(ctx)
}

// Close disconnects after giving in-flight publishes a moment to finish.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

func (p *Publisher) StateTopic(deviceUUID string) string {
	return fmt.Sprintf("%s/devices/%s/state", p.prefix, deviceUUID)
}

// consumeStateChanges runs until ctx is done, resubscribing after a failed
// subscribe or a closed channel.
func (p *Publisher) consumeStateChanges(ctx context.Context) {
	for {
		ch, err := p.events.SubscribeStateChanges(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("MQTT: failed to subscribe to state changes, retrying", "error", err, "retry_in", p.retryDelay)
		} else {
			logger.Info("MQTT: started state change consumer")
			p.forward(ctx, ch)
			if ctx.Err() != nil {
				return
			}
			logger.Warn("MQTT: state change channel closed, resubscribing", "retry_in", p.retryDelay)
		}

		t := time.NewTimer(p.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (p *Publisher) forward(ctx context.Context, ch <-chan domain.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			if err := p.publish(change); err != nil {
				logger.Warn("MQTT: failed to publish state change",
					"device_uuid", change.DeviceUUID, "state", change.StateName, "error", err)
			}
		}
	}
}

func (p *Publisher) publish(change domain.StateChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.StateTopic(change.DeviceUUID), 1, true, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timed out after %s", publishTimeout)
	}
	return token.Error()
}
