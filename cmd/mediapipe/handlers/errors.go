package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediapipe/cmd/mediapipe/service"
	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/mediaerr"
)

// statusFor maps a pipeline error kind to an HTTP status
func statusFor(err error) int {
	switch mediaerr.KindOf(err) {
	case mediaerr.KindInput:
		return http.StatusBadRequest
	case mediaerr.KindNotFound:
		return http.StatusNotFound
	case mediaerr.KindTimeout:
		return http.StatusRequestTimeout
	case mediaerr.KindProcessingFailed:
		return http.StatusUnprocessableEntity
	case mediaerr.KindRegistryRaceLost:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as JSON. Client errors carry their message;
// server errors are logged and answered generically.
func respondError(c echo.Context, log *logger.Logger, action string, err error) error {
	var rl *service.RateLimitError
	if errors.As(err, &rl) {
		c.Response().Header().Set("Retry-After", strconv.FormatInt(rl.RetryAfterSeconds, 10))
		return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
			"error":   "upload_rate_limit_exceeded",
			"message": rl.Error(),
			"details": map[string]interface{}{
				"tier":                rl.Tier,
				"limit":               rl.Limit,
				"window":              "60 seconds",
				"current_count":       rl.CurrentCount,
				"retry_after_seconds": rl.RetryAfterSeconds,
			},
		})
	}

	status := statusFor(err)
	body := map[string]interface{}{
		"error": err.Error(),
		"kind":  mediaerr.KindOf(err),
	}
	if stage := mediaerr.StageOf(err); stage != "" {
		body["stage"] = stage
	}

	if status >= http.StatusInternalServerError {
		log.Error("failed to "+action, "error", err)
		body["error"] = "failed to " + action
	}
	return c.JSON(status, body)
}
