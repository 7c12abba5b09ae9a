package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediapipe/cmd/mediapipe/container"
	"github.com/lyzr/mediapipe/cmd/mediapipe/handlers"
	"github.com/lyzr/mediapipe/cmd/mediapipe/middleware"
)

// RegisterUploadRoutes registers upload submission and task routes.
// Upload admission is rate limited per tier inside the upload service.
func RegisterUploadRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewUploadHandler(c)

	uploads := e.Group("/api/v1/uploads")
	uploads.Use(middleware.ExtractOwnerStrict()) // Every upload call needs X-User-ID
	{
		uploads.POST("", h.Upload)                    // POST /api/v1/uploads?sync=true
		uploads.GET("/:task_id", h.GetTask)           // GET /api/v1/uploads/{task_id}
		uploads.GET("/:task_id/events", h.StreamTask) // WebSocket push of task updates
	}
}
