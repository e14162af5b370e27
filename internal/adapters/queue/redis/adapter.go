package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetpulse.state/internal/core/ports"
)

// NewClient builds a client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// DelayStore keeps delay records as plain string keys with a TTL.
type DelayStore struct {
	client *redis.Client
}

var _ ports.DelayStore = (*DelayStore)(nil)

func NewDelayStore(client *redis.Client) *DelayStore {
	return &DelayStore{client: client}
}

func (s *DelayStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *DelayStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}
