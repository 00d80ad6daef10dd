package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelKey is the Redis key holding the last known channel id.
const DefaultChannelKey = "harvester:notify:last_channel_id"

// RedisStore is a durable single-value ChannelStore backed by Redis. It
// exists only so a restarted process can clean up the channel a crashed one
// left behind.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a Redis-backed channel store. An empty key selects
// DefaultChannelKey.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultChannelKey
	}
	return &RedisStore{
		redis: client,
		key:   key,
	}
}

// Load returns the recorded channel id, or "" when none is recorded.
func (s *RedisStore) Load(ctx context.Context) (string, error) {
	id, err := s.redis.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load channel id: %w", err)
	}
	return id, nil
}

// Save records the channel id.
func (s *RedisStore) Save(ctx context.Context, channelID string) error {
	if err := s.redis.Set(ctx, s.key, channelID, 0).Err(); err != nil {
		return fmt.Errorf("save channel id: %w", err)
	}
	return nil
}
