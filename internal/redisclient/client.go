package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewFromClient wraps an existing Redis client
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func idempotencyKey(key string) string { return fmt.Sprintf("idempotency:checkout:%s", key) }
func webhookKey(eventID string) string { return fmt.Sprintf("webhook:event:%s", eventID) }
func lockKey(key string) string        { return fmt.Sprintf("lock:%s", key) }

// GetIdempotentResponse returns the response cached under an Idempotency-Key, if any
func (c *Client) GetIdempotentResponse(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, idempotencyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// SetIdempotentResponse caches a response under an Idempotency-Key with TTL
func (c *Client) SetIdempotentResponse(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), string(value), ttl).Err()
}

// IsEventProcessed reports whether a provider webhook event was already applied
func (c *Client) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, webhookKey(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEventProcessed remembers a provider webhook event id for ttl
func (c *Client) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, webhookKey(eventID), "1", ttl).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, lockKey(key), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, lockKey(key)).Err()
}
