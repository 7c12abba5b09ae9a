package middleware

import (
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediapipe/common/ratelimit"
)

// OwnerContextKey is the echo context key holding the caller's owner id
const OwnerContextKey = "owner_id"

// isInternalRequest checks if the request is from an internal service.
// Internal callers such as mediactl set X-Internal-Service to the shared
// secret to bypass rate limits. Without INTERNAL_SERVICE_SECRET nothing
// bypasses.
func isInternalRequest(c echo.Context) bool {
	header := c.Request().Header.Get("X-Internal-Service")
	if header == "" {
		return false
	}
	secret := os.Getenv("INTERNAL_SERVICE_SECRET")
	return secret != "" && header == secret
}

// OwnerRateLimitMiddleware checks per-owner request limits over a one
// minute window. Requires the owner to be set in context by the owner
// extraction middleware. Limiter errors let the request through.
func OwnerRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if rateLimiter == nil || limit <= 0 || isInternalRequest(c) {
				return next(c)
			}

			owner, ok := c.Get(OwnerContextKey).(string)
			if !ok || owner == "" {
				return next(c)
			}

			result, err := rateLimiter.CheckOwnerLimit(c.Request().Context(), owner, limit, 60)
			if err != nil {
				// fail open
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "owner_rate_limit_exceeded",
					"message": "You have exceeded your request quota. Please wait before trying again.",
					"details": map[string]interface{}{
						"owner_id":            owner,
						"limit":               result.Limit,
						"window":              "60 seconds",
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
