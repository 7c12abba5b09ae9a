// Package redis wraps go-redis with the few commands the pipeline issues
// directly: job lists for the upload queue, progress pub/sub and key cleanup.
// Anything more specialised (Lua scripts, pattern subscriptions) goes through
// GetUnderlying.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with logging on every command
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for scripts and subscriptions
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool
func (c *Client) Close() error {
	return c.redis.Close()
}

// result logs the outcome of cmd against target and annotates failures
func (c *Client) result(cmd, target string, err error) error {
	if err != nil {
		c.logger.Error("redis command failed", "cmd", cmd, "target", target, "error", err)
		return fmt.Errorf("redis %s %s: %w", cmd, target, err)
	}
	c.logger.Debug("redis "+cmd, "target", target)
	return nil
}

// ErrNotFound is returned by Get for a missing key
var ErrNotFound = errors.New("key not found")

// Get returns the string stored at key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, c.result("GET", key, err)
}

// Delete removes keys. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.result("DEL", strings.Join(keys, ","), c.redis.Del(ctx, keys...).Err())
}

// Publish sends payload on channel and returns how many subscribers got it
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := c.redis.Publish(ctx, channel, payload).Result()
	return n, c.result("PUBLISH", channel, err)
}

// Enqueue appends values to the tail of list
func (c *Client) Enqueue(ctx context.Context, list string, values ...interface{}) error {
	return c.result("RPUSH", list, c.redis.RPush(ctx, list, values...).Err())
}

// Dequeue blocks up to timeout for the head of list. ok is false when the
// wait timed out with nothing to pop.
func (c *Client) Dequeue(ctx context.Context, list string, timeout time.Duration) (value string, ok bool, err error) {
	res, err := c.redis.BLPop(ctx, timeout, list).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err := c.result("BLPOP", list, err); err != nil {
		return "", false, err
	}
	// BLPOP replies with [list, value]
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

// Len returns the number of entries waiting on list
func (c *Client) Len(ctx context.Context, list string) (int64, error) {
	n, err := c.redis.LLen(ctx, list).Result()
	return n, c.result("LLEN", list, err)
}
