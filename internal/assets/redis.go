package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares discovery results between replicas. Values are JSON
// asset lists stored with the cache TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore creates a store on client. A non-positive ttl disables writes.
func NewRedisStore(client *redis.Client, ttl time.Duration, prefix string) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: prefix}
}

func (s *RedisStore) redisKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.prefix + hex.EncodeToString(sum[:])
}

// Get returns the cached assets for key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]Asset, bool, error) {
	if s.ttl <= 0 {
		return nil, false, nil
	}
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var out []Asset
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, fmt.Errorf("decode cached assets: %w", err)
	}
	return out, true, nil
}

// Set stores assets under key with the store TTL.
func (s *RedisStore) Set(ctx context.Context, key string, assets []Asset) error {
	if s.ttl <= 0 {
		return nil
	}
	if assets == nil {
		assets = []Asset{}
	}
	data, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("encode assets: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
