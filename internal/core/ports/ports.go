package ports

import (
	"context"
	"time"

	"fleetpulse.state/internal/core/domain"
)

// DelayStore is a small key-value store with per-key expiry.
type DelayStore interface {
	// Get returns nil, nil when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// DelayedQueue delivers messages after a per-message delay and hides received
// messages for a visibility timeout until they are deleted.
type DelayedQueue interface {
	// CreateQueue is idempotent.
	CreateQueue(ctx context.Context) error
	Send(ctx context.Context, payload []byte, delay time.Duration) (string, error)
	// Receive returns nil, nil when no message is ready.
	Receive(ctx context.Context, visibility time.Duration) (*domain.QueueMessage, error)
	// Delete returns domain.ErrMessageNotFound when the message is already gone.
	Delete(ctx context.Context, id string) error
}

type DeviceStateWriter interface {
	// CompareAndSetState sets the device's state unless it already equals state.
	// When from is non-empty the write only happens if the current state is one
	// of them. It reports whether the stored state changed and returns
	// domain.ErrDeviceNotFound for unknown devices.
	CompareAndSetState(ctx context.Context, deviceUUID string, state domain.OnlineState, from ...domain.OnlineState) (bool, error)
}

type DeviceRepository interface {
	DeviceStateWriter
	Create(ctx context.Context, device *domain.Device) error
	GetDevice(ctx context.Context, deviceUUID string) (*domain.Device, error)
	CountByState(ctx context.Context) (map[domain.OnlineState]int64, error)
}

// ErrorReporter is a fire-and-forget error sink.
type ErrorReporter interface {
	Report(ctx context.Context, err error, attrs ...any)
}

type StateEventPublisher interface {
	PublishStateChange(ctx context.Context, change domain.StateChange) error
}

type StateEventSubscriber interface {
	SubscribeStateChanges(ctx context.Context) (<-chan domain.StateChange, error)
}

type DeadLetterSink interface {
	Add(ctx context.Context, msg *domain.QueueMessage, reason string) error
}

type DeadLetterStore interface {
	DeadLetterSink
	// List returns entries newest first.
	List(ctx context.Context, offset, limit int64) ([]*domain.DeadLetter, error)
	// Get and Remove return domain.ErrMessageNotFound for unknown ids.
	Get(ctx context.Context, id string) (*domain.DeadLetter, error)
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}
