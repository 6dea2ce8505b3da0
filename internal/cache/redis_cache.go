package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"apotek/backend/internal/domain"
)

const itemKeyPrefix = "apotek:catalog:item:"

type RedisItemCache struct {
	client redis.UniversalClient
}

func NewRedisItemCache(addr string, password string, db int) *RedisItemCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisItemCache{client: client}
}

// NewRedisItemCacheWithClient wraps an existing client, e.g. a cluster or
// failover client built by the caller.
func NewRedisItemCacheWithClient(client redis.UniversalClient) *RedisItemCache {
	return &RedisItemCache{client: client}
}

func (c *RedisItemCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisItemCache) Close() error {
	return c.client.Close()
}

func (c *RedisItemCache) Get(ctx context.Context, itemID string) (*domain.Item, bool, error) {
	val, err := c.client.Get(ctx, itemKeyPrefix+itemID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var item domain.Item
	if err := json.Unmarshal([]byte(val), &item); err != nil {
		return nil, false, err
	}
	return &item, true, nil
}

func (c *RedisItemCache) Set(ctx context.Context, item domain.Item, ttl time.Duration) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, itemKeyPrefix+item.ID, payload, ttl).Err()
}

func (c *RedisItemCache) Delete(ctx context.Context, itemID string) error {
	return c.client.Del(ctx, itemKeyPrefix+itemID).Err()
}
