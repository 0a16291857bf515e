package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pg-replicator/internal/lsn"
)

// RedisStore persists checkpoints in Redis under a single key with TTL so a
// long-dead consumer's position eventually expires.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

func (s *RedisStore) Save(ctx context.Context, pos lsn.LSN) error {
	if pos == 0 {
		return fmt.Errorf("refusing to save invalid LSN")
	}
	if err := s.client.Set(ctx, s.key, pos.String(), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (lsn.LSN, error) {
	v, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get checkpoint: %w", err)
	}
	pos, err := lsn.Parse(v)
	if err != nil {
		return 0, fmt.Errorf("redis checkpoint value: %w", err)
	}
	return pos, nil
}
