package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fleetpulse.state/internal/core/domain"
	"fleetpulse.state/internal/core/ports"
)

const (
	queueNamespace = "dq:"
	queueRegistry  = queueNamespace + "queues"
)

// receiveScript hands out the earliest visible message and hides it until
// ARGV[2]. A scheduled id whose payload is gone is dropped and reported back
// as a single-element reply so the caller can try again.
//
// KEYS[1] schedule zset, KEYS[2] payload hash, KEYS[3] receive-count hash
// ARGV[1] now (ms), ARGV[2] invisible until (ms)
var receiveScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local payload = redis.call("HGET", KEYS[2], id)
if not payload then
  redis.call("ZREM", KEYS[1], id)
  redis.call("HDEL", KEYS[3], id)
  return {id}
end
redis.call("ZADD", KEYS[1], ARGV[2], id)
local rc = redis.call("HINCRBY", KEYS[3], id, 1)
return {id, payload, rc}
`)

// maxOrphanSkips bounds how many dangling ids one Receive call cleans up.
const maxOrphanSkips = 10

// DelayedQueue is a Redis-backed queue with per-message delay and visibility
// timeout. Messages are scored by the unix millisecond at which they become
// visible; receiving one pushes its score forward by the visibility timeout.
type DelayedQueue struct {
	client *redis.Client
	name   string
	now    func() time.Time
}

var _ ports.DelayedQueue = (*DelayedQueue)(nil)

func NewDelayedQueue(client *redis.Client, name string) *DelayedQueue {
	return &DelayedQueue{client: client, name: name, now: time.Now}
}

func (q *DelayedQueue) scheduleKey() string { return queueNamespace + q.name + ":Q" }
func (q *DelayedQueue) payloadKey() string  { return queueNamespace + q.name + ":M" }
func (q *DelayedQueue) countKey() string    { return queueNamespace + q.name + ":RC" }
func (q *DelayedQueue) metaKey() string     { return queueNamespace + q.name + ":meta" }

func (q *DelayedQueue) nowMillis() int64 {
	return q.now().UnixMilli()
}

// CreateQueue registers the queue. Calling it again is a no-op.
func (q *DelayedQueue) CreateQueue(ctx context.Context) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, queueRegistry, q.name)
		pipe.HSetNX(ctx, q.metaKey(), "created_ms", q.nowMillis())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", q.name, err)
	}
	return nil
}

func (q *DelayedQueue) Send(ctx context.Context, payload []byte, delay time.Duration) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}
	if delay < 0 {
		delay = 0
	}
	visibleAt := q.nowMillis() + delay.Milliseconds()

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.payloadKey(), id.String(), payload)
		pipe.ZAdd(ctx, q.scheduleKey(), redis.Z{Score: float64(visibleAt), Member: id.String()})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return id.String(), nil
}

func (q *DelayedQueue) Receive(ctx context.Context, visibility time.Duration) (*domain.QueueMessage, error) {
	keys := []string{q.scheduleKey(), q.payloadKey(), q.countKey()}

	for i := 0; i < maxOrphanSkips; i++ {
		now := q.nowMillis()
		res, err := receiveScript.Run(ctx, q.client, keys, now, now+visibility.Milliseconds()).Slice()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to receive message: %w", err)
		}
		if len(res) < 3 {
			continue
		}

		id, _ := res[0].(string)
		payload, _ := res[1].(string)
		rc, _ := res[2].(int64)
		return &domain.QueueMessage{ID: id, Payload: []byte(payload), ReceiveCount: rc}, nil
	}
	return nil, nil
}

func (q *DelayedQueue) Delete(ctx context.Context, id string) error {
	var removed *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, q.scheduleKey(), id)
		pipe.HDel(ctx, q.payloadKey(), id)
		pipe.HDel(ctx, q.countKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	if removed.Val() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// Depth is the number of messages in the queue, visible or not.
func (q *DelayedQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduleKey()).Result()
}

// Created reports when the queue was first created, zero if it never was.
func (q *DelayedQueue) Created(ctx context.Context) (time.Time, error) {
	v, err := q.client.HGet(ctx, q.metaKey(), "created_ms").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid queue metadata: %w", err)
	}
	return time.UnixMilli(ms), nil
}
