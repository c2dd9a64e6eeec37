package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server shared by every feature server
// in the fleet.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedis(client), nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) CreateIfAbsent(ctx context.Context, key, value string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("del %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) PutWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, fmt.Errorf("set %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) AddToSet(ctx context.Context, setKey, member string) (int, error) {
	n, err := r.client.SAdd(ctx, setKey, member).Result()
	if err != nil {
		return 0, fmt.Errorf("sadd %s: %w", setKey, err)
	}
	return int(n), nil
}

func (r *Redis) RemoveFromSet(ctx context.Context, setKey, member string) (int, error) {
	n, err := r.client.SRem(ctx, setKey, member).Result()
	if err != nil {
		return 0, fmt.Errorf("srem %s: %w", setKey, err)
	}
	return int(n), nil
}

func (r *Redis) ListSet(ctx context.Context, setKey string) ([]string, error) {
	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", setKey, err)
	}
	return members, nil
}
