package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	commonmw "github.com/lyzr/mediapipe/common/middleware"
)

// OwnerHeader carries the caller's owner id
const OwnerHeader = "X-User-ID"

// ExtractOwner is a middleware that extracts the X-User-ID header and
// stores it in the request context. Requests without it pass through;
// handlers that need an owner call RequireOwner.
//
// Usage:
//
//	g := e.Group("/api/v1/media")
//	g.Use(middleware.ExtractOwner())
func ExtractOwner() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if owner := c.Request().Header.Get(OwnerHeader); owner != "" {
				c.Set(commonmw.OwnerContextKey, owner)
			}
			return next(c)
		}
	}
}

// ExtractOwnerStrict is a stricter version that requires X-User-ID
func ExtractOwnerStrict() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner := c.Request().Header.Get(OwnerHeader)
			if owner == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "X-User-ID header is required",
				})
			}

			c.Set(commonmw.OwnerContextKey, owner)
			return next(c)
		}
	}
}

// GetOwner retrieves the owner id from the request context.
// Returns empty string if not set.
func GetOwner(c echo.Context) string {
	owner, _ := c.Get(commonmw.OwnerContextKey).(string)
	return owner
}

// RequireOwner ensures an owner exists in context.
// Returns an error response if not found.
func RequireOwner(c echo.Context) (string, error) {
	owner := GetOwner(c)
	if owner == "" {
		err := c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"error": "authentication required (X-User-ID header missing)",
		})
		return "", err
	}
	return owner, nil
}
