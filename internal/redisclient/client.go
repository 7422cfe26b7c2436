package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/claim.lua
var claimScript string

//go:embed scripts/promote.lua
var promoteScript string

type Client struct {
	rdb           *redis.Client
	claimScript   *redis.Script
	promoteScript *redis.Script
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

	return NewWithClient(rdb), nil
}

// NewWithClient wraps an existing connection
func NewWithClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		claimScript:   redis.NewScript(claimScript),
		promoteScript: redis.NewScript(promoteScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ClaimJob atomically moves the first member of waitKey into activeKey with the
// given lease deadline and returns its id and stored data. ok is false when
// nothing is waiting.
func (c *Client) ClaimJob(ctx context.Context, waitKey, activeKey, jobsKey string, deadline time.Time) (id, data string, ok bool, err error) {
	result, err := c.claimScript.Run(ctx, c.rdb, []string{waitKey, activeKey, jobsKey}, deadline.UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("claim script failed: %w", err)
	}

	pair, isSlice := result.([]interface{})
	if !isSlice || len(pair) != 2 {
		return "", "", false, fmt.Errorf("unexpected claim script result %T", result)
	}
	id, _ = pair[0].(string)
	data, _ = pair[1].(string)
	return id, data, true, nil
}

// PromoteDue moves up to limit members of srcKey whose score is at or before now
// into waitKey, ordered by the priority stored in prioKey.
func (c *Client) PromoteDue(ctx context.Context, srcKey, waitKey, prioKey string, now time.Time, limit int) (int, error) {
	result, err := c.promoteScript.Run(ctx, c.rdb, []string{srcKey, waitKey, prioKey}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("promote script failed: %w", err)
	}
	return result, nil
}

// ClaimIdempotencyKey stores value under key only if the key is absent.
// It returns false when the key was already taken.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, idempotencyKey(key), value, ttl).Result()
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), value, ttl).Err()
}

// GetIdempotencyKey returns the value stored under key
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// DeleteIdempotencyKey releases a key whose request did not complete
func (c *Client) DeleteIdempotencyKey(ctx context.Context, key string) error {
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

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}
