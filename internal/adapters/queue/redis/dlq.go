package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetpulse.state/internal/core/domain"
	"fleetpulse.state/internal/core/ports"
)

const (
	dlqKey        = "device:online-state:dlq"
	dlqMetaPrefix = "device:online-state:dlq:meta:"
)

// DeadLetterQueue keeps queue messages the consumer could not make sense of.
type DeadLetterQueue struct {
	client *redis.Client
	now    func() time.Time
}

var _ ports.DeadLetterStore = (*DeadLetterQueue)(nil)

func NewDeadLetterQueue(client *redis.Client) *DeadLetterQueue {
	return &DeadLetterQueue{client: client, now: time.Now}
}

// Add stores msg under its queue id. Adding the same id twice overwrites it.
func (dlq *DeadLetterQueue) Add(ctx context.Context, msg *domain.QueueMessage, reason string) error {
	failedAt := dlq.now()
	entry := domain.DeadLetter{
		Message:     msg,
		FailureTime: failedAt,
		Reason:      reason,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	_, err = dlq.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, dlqKey, redis.Z{Score: float64(failedAt.Unix()), Member: msg.ID})
		pipe.Set(ctx, dlqMetaPrefix+msg.ID, data, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add to DLQ: %w", err)
	}
	return nil
}

func (dlq *DeadLetterQueue) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	data, err := dlq.client.Get(ctx, dlqMetaPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get DLQ entry: %w", err)
	}

	var entry domain.DeadLetter
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DLQ entry: %w", err)
	}
	return &entry, nil
}

// List returns entries newest first.
func (dlq *DeadLetterQueue) List(ctx context.Context, offset, limit int64) ([]*domain.DeadLetter, error) {
	ids, err := dlq.client.ZRevRange(ctx, dlqKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ: %w", err)
	}

	entries := make([]*domain.DeadLetter, 0, len(ids))
	for _, id := range ids {
		entry, err := dlq.Get(ctx, id)
		if errors.Is(err, domain.ErrMessageNotFound) {
			// Removed between the range and the lookup.
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Remove deletes an entry; domain.ErrMessageNotFound if there was none.
func (dlq *DeadLetterQueue) Remove(ctx context.Context, id string) error {
	var removed *redis.IntCmd
	_, err := dlq.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, dlqKey, id)
		pipe.Del(ctx, dlqMetaPrefix+id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove from DLQ: %w", err)
	}
	if removed.Val() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (dlq *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	count, err := dlq.client.ZCard(ctx, dlqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count DLQ: %w", err)
	}
	return count, nil
}
