package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed           bool  // Whether the request is allowed
	CurrentCount      int64 // Current count in the window
	Limit             int64 // The limit that was checked
	RetryAfterSeconds int64 // Seconds until the limit resets (0 if allowed)
}

// RateLimiter admits uploads per owner and tier using Redis + Lua
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	tiers  TierLimits
	logger Logger
}

// NewRateLimiter creates a new rate limiter with embedded Lua script
func NewRateLimiter(redisClient *redis.Client, tiers TierLimits, logger Logger) *RateLimiter {
	if tiers == nil {
		tiers = NewTierLimits(0, 0, 0)
	}
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		tiers:  tiers,
		logger: logger,
	}
}

// Tiers returns the configured tier limits
func (r *RateLimiter) Tiers() TierLimits {
	return r.tiers
}

// CheckOwnerLimit checks an owner's overall request rate
func (r *RateLimiter) CheckOwnerLimit(ctx context.Context, ownerID string, limit int64, windowSec int) (*RateLimitResult, error) {
	return r.checkLimit(ctx, OwnerKey(ownerID), limit, windowSec)
}

// CheckTieredLimit checks rate limit based on upload tier.
// Uses separate counters for each tier so small images are not blocked by
// a burst of large videos.
func (r *RateLimiter) CheckTieredLimit(ctx context.Context, ownerID string, tier UploadTier) (*RateLimitResult, error) {
	cfg := r.tiers.For(tier)
	return r.checkLimit(ctx, TierKey(ownerID, tier), cfg.Limit, cfg.WindowSeconds)
}

// CheckUpload inspects an upload and checks the limit of its tier
func (r *RateLimiter) CheckUpload(ctx context.Context, ownerID, declaredMime string, size int64) (*RateLimitResult, UploadProfile, error) {
	profile := InspectUpload(declaredMime, size)
	result, err := r.CheckTieredLimit(ctx, ownerID, profile.Tier)
	return result, profile, err
}

// OwnerKey returns the counter key for an owner
func OwnerKey(ownerID string) string {
	return fmt.Sprintf("rate_limit:owner:%s", ownerID)
}

// TierKey returns the counter key for an owner's tier
func TierKey(ownerID string, tier UploadTier) string {
	return fmt.Sprintf("rate_limit:owner:%s:tier:%s", ownerID, tier)
}

// checkLimit runs the fixed-window script for key
func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int64, windowSec int) (*RateLimitResult, error) {
	reply, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Int64Slice()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	res, err := parseReply(reply)
	if err != nil {
		return nil, err
	}

	if res.Allowed {
		r.logger.Debug("rate limit check passed", "key", key, "current", res.CurrentCount, "limit", limit)
	} else {
		r.logger.Warn("rate limit exceeded", "key", key,
			"current", res.CurrentCount, "limit", limit, "retry_after", res.RetryAfterSeconds)
	}
	return res, nil
}

// parseReply decodes the script's {allowed, count, limit, retry_after} reply
func parseReply(reply []int64) (*RateLimitResult, error) {
	if len(reply) != 4 {
		return nil, fmt.Errorf("unexpected rate limit reply of %d values", len(reply))
	}
	return &RateLimitResult{
		Allowed:           reply[0] == 1,
		CurrentCount:      reply[1],
		Limit:             reply[2],
		RetryAfterSeconds: reply[3],
	}, nil
}

// GetCurrentCount reads a counter without incrementing it. A missing key
// means no requests in the current window.
func (r *RateLimiter) GetCurrentCount(ctx context.Context, key string) (int64, error) {
	count, err := r.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// ResetLimit clears a counter; mediactl limits --reset uses it
func (r *RateLimiter) ResetLimit(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}
