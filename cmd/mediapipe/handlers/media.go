package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediapipe/cmd/mediapipe/container"
	"github.com/lyzr/mediapipe/cmd/mediapipe/middleware"
	"github.com/lyzr/mediapipe/cmd/mediapipe/service"
	"github.com/lyzr/mediapipe/common/bootstrap"
)

// MediaHandler handles media record requests
type MediaHandler struct {
	components    *bootstrap.Components
	uploadService *service.UploadService
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(c *container.Container) *MediaHandler {
	return &MediaHandler{
		components:    c.Components,
		uploadService: c.UploadService,
	}
}

// GetMedia retrieves a media record with its URLs
// GET /api/v1/media/:id
func (h *MediaHandler) GetMedia(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidMediaID(c)
	}

	media, err := h.uploadService.GetMedia(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.components.Logger, "get media", err)
	}
	return c.JSON(http.StatusOK, media)
}

// ListMedia lists the caller's media, newest first
// GET /api/v1/media?limit=50
func (h *MediaHandler) ListMedia(c echo.Context) error {
	owner, err := middleware.RequireOwner(c)
	if owner == "" {
		return err
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "limit must be a positive integer",
			})
		}
		limit = min(n, 500)
	}

	media, err := h.uploadService.ListMedia(c.Request().Context(), owner, limit)
	if err != nil {
		return respondError(c, h.components.Logger, "list media", err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"media": media,
		"count": len(media),
	})
}

// DeleteMedia deletes one of the caller's media records
// DELETE /api/v1/media/:id
func (h *MediaHandler) DeleteMedia(c echo.Context) error {
	owner, err := middleware.RequireOwner(c)
	if owner == "" {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidMediaID(c)
	}

	if err := h.uploadService.DeleteMedia(c.Request().Context(), id, owner); err != nil {
		return respondError(c, h.components.Logger, "delete media", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func invalidMediaID(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{
		"error": "invalid media id",
		"kind":  "input_error",
	})
}
