package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis keyspace with a fixed capacity
// ceiling. The ceiling is enforced here, on Set, because the contract callers
// depend on is "a write near the limit fails loudly", not "Redis is full".
type RedisStore struct {
	client   *redis.Client
	capacity int64
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string, capacity int64) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, capacity: capacity}, nil
}

// NewRedisStoreWithClient wraps an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, capacity int64) *RedisStore {
	return &RedisStore{client: client, capacity: capacity}
}

// Capacity returns the assumed capacity ceiling in bytes.
func (s *RedisStore) Capacity() int64 {
	return s.capacity
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set rejects the write with ErrCapacityExceeded when the entry would not fit
// under the ceiling, counting the entry it replaces as freed.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	used, err := s.usedBytes(ctx)
	if err != nil {
		return err
	}
	if old, ok, err := s.Get(ctx, key); err != nil {
		return err
	} else if ok {
		used -= int64(len(key) + len(old))
	}
	if used+int64(len(key)+len(value)) > s.capacity {
		return fmt.Errorf("set %s (%d bytes): %w", key, len(value), ErrCapacityExceeded)
	}
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, "*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return keys, nil
}

// usedBytes approximates usage the way the quota monitor does: the sum of
// key and value lengths over every entry.
func (s *RedisStore) usedBytes(ctx context.Context) (int64, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		total += int64(len(key) + len(value))
	}
	return total, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
