package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediapipe/cmd/mediapipe/container"
	"github.com/lyzr/mediapipe/cmd/mediapipe/middleware"
	"github.com/lyzr/mediapipe/cmd/mediapipe/service"
	"github.com/lyzr/mediapipe/common/bootstrap"
)

// VersionHandler handles media version requests
type VersionHandler struct {
	components     *bootstrap.Components
	versionService *service.VersionService
}

// NewVersionHandler creates a new version handler
func NewVersionHandler(c *container.Container) *VersionHandler {
	return &VersionHandler{
		components:     c.Components,
		versionService: c.VersionService,
	}
}

// CreateVersion derives a new version from the media's original
// POST /api/v1/media/:id/versions
func (h *VersionHandler) CreateVersion(c echo.Context) error {
	ctx := c.Request().Context()

	owner, err := middleware.RequireOwner(c)
	if owner == "" {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidMediaID(c)
	}

	var req service.CreateVersionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
			"kind":  "input_error",
		})
	}
	if req.Operation == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "operation is required",
			"kind":  "input_error",
		})
	}
	req.MediaID = id
	req.OwnerID = owner

	h.components.Logger.Info("creating version",
		"media_id", id,
		"owner_id", owner,
		"operation", req.Operation)

	version, err := h.versionService.CreateVersion(ctx, &req)
	if err != nil {
		return respondError(c, h.components.Logger, "create version", err)
	}

	return c.JSON(http.StatusCreated, version)
}

// ListVersions returns the version history of a media item
// GET /api/v1/media/:id/versions
func (h *VersionHandler) ListVersions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return invalidMediaID(c)
	}

	versions, err := h.versionService.ListVersions(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.components.Logger, "list versions", err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"media_id": id,
		"versions": versions,
		"count":    len(versions),
	})
}
