package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediapipe/cmd/mediapipe/container"
	"github.com/lyzr/mediapipe/cmd/mediapipe/handlers"
	"github.com/lyzr/mediapipe/cmd/mediapipe/middleware"
	commonmw "github.com/lyzr/mediapipe/common/middleware"
)

// RegisterMediaRoutes registers media and version routes
func RegisterMediaRoutes(e *echo.Echo, c *container.Container) {
	mh := handlers.NewMediaHandler(c)
	vh := handlers.NewVersionHandler(c)

	media := e.Group("/api/v1/media")
	media.Use(middleware.ExtractOwner()) // Extract X-User-ID into context
	media.Use(commonmw.OwnerRateLimitMiddleware(c.RateLimiter, c.Components.Config.RateLimit.RequestsPerMinute))
	{
		media.GET("", mh.ListMedia)                   // GET /api/v1/media?limit=50
		media.GET("/:id", mh.GetMedia)                // GET /api/v1/media/{id}
		media.DELETE("/:id", mh.DeleteMedia)          // DELETE /api/v1/media/{id}
		media.POST("/:id/versions", vh.CreateVersion) // POST /api/v1/media/{id}/versions
		media.GET("/:id/versions", vh.ListVersions)   // GET /api/v1/media/{id}/versions
	}
}
