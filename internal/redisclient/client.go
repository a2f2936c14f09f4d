package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/claim_idempotency.lua
var claimIdempotencyScript string

// inFlight marks a claimed key whose response is not stored yet.
const inFlight = "__in_flight__"

type Client struct {
	rdb         *redis.Client
	claimScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
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

	return &Client{
		rdb:         rdb,
		claimScript: redis.NewScript(claimIdempotencyScript),
	}, nil
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Publish sends a payload to every subscriber of channel
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription and waits for the server confirmation
func (c *Client) Subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	ps := c.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return ps, nil
}

// Claim is the outcome of an idempotency claim
type Claim struct {
	// Claimed is true when this caller owns the key and must run the request.
	Claimed bool
	// InFlight is true when another caller claimed the key and has not finished.
	InFlight bool
	// Response is the stored response of a finished request.
	Response []byte
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

// ClaimIdempotencyKey atomically claims key or returns what an earlier claim stored
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (Claim, error) {
	result, err := c.claimScript.Run(ctx, c.rdb, []string{idempotencyKey(key)}, inFlight, ttl.Milliseconds()).Result()
	if errors.Is(err, redis.Nil) {
		return Claim{Claimed: true}, nil
	}
	if err != nil {
		return Claim{}, fmt.Errorf("claim idempotency script failed: %w", err)
	}

	stored, ok := result.(string)
	if !ok {
		return Claim{}, fmt.Errorf("unexpected script result type")
	}
	if stored == inFlight {
		return Claim{InFlight: true}, nil
	}
	return Claim{Response: []byte(stored)}, nil
}

// SaveIdempotentResponse stores the response for replay, replacing the in-flight marker
func (c *Client) SaveIdempotentResponse(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), response, ttl).Err()
}

// ReleaseIdempotencyKey drops a claim so the request can be retried
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(key)).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
