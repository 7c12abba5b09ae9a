package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediapipe/cmd/mediapipe/container"
	"github.com/lyzr/mediapipe/cmd/mediapipe/fanout"
	"github.com/lyzr/mediapipe/cmd/mediapipe/middleware"
	"github.com/lyzr/mediapipe/cmd/mediapipe/service"
	"github.com/lyzr/mediapipe/common/bootstrap"
	"github.com/lyzr/mediapipe/common/models"
)

// UploadHandler handles upload submission and task polling
type UploadHandler struct {
	components    *bootstrap.Components
	uploadService *service.UploadService
	fanout        *fanout.Hub
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(c *container.Container) *UploadHandler {
	return &UploadHandler{
		components:    c.Components,
		uploadService: c.UploadService,
		fanout:        c.Fanout,
	}
}

// Upload accepts a multipart file. By default the upload is queued and a
// task id returned; ?sync=true processes it within the request.
// POST /api/v1/uploads
func (h *UploadHandler) Upload(c echo.Context) error {
	ctx := c.Request().Context()

	owner, err := middleware.RequireOwner(c)
	if owner == "" {
		return err
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "file is required",
			"kind":  "input_error",
			"stage": service.StageReceiving,
		})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "failed to read uploaded file",
		})
	}
	defer file.Close()

	input := &service.UploadInput{
		Reader:       file,
		Filename:     fileHeader.Filename,
		DeclaredMime: fileHeader.Header.Get("Content-Type"),
		Size:         fileHeader.Size,
		OwnerID:      owner,
		Metadata: models.MediaMetadata{
			Title:       c.FormValue("title"),
			Description: c.FormValue("description"),
			Category:    c.FormValue("category"),
			Tags:        parseTags(c.FormValue("tags")),
		},
	}

	sync, _ := strconv.ParseBool(c.QueryParam("sync"))

	h.components.Logger.Info("upload received",
		"owner_id", owner,
		"filename", fileHeader.Filename,
		"size", fileHeader.Size,
		"sync", sync)

	if sync {
		result, err := h.uploadService.SubmitUpload(ctx, input)
		if err != nil {
			return respondError(c, h.components.Logger, "store upload", err)
		}
		return c.JSON(http.StatusCreated, result)
	}

	taskID, err := h.uploadService.Enqueue(ctx, input)
	if err != nil {
		return respondError(c, h.components.Logger, "queue upload", err)
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"task_id": taskID,
		"status":  models.TaskUploading,
	})
}

// GetTask returns the progress of an upload task
// GET /api/v1/uploads/:task_id
func (h *UploadHandler) GetTask(c echo.Context) error {
	ctx := c.Request().Context()
	taskID := c.Param("task_id")

	task, err := h.uploadService.GetTaskProgress(ctx, taskID)
	if err != nil {
		return respondError(c, h.components.Logger, "get task", err)
	}

	// tasks are only visible to their owner
	if owner := middleware.GetOwner(c); owner != "" && task.OwnerID != "" && task.OwnerID != owner {
		return taskNotFound(c, taskID)
	}

	return c.JSON(http.StatusOK, task)
}

// StreamTask upgrades to a WebSocket pushing the task's updates. The
// current state is sent first and the socket closes after a terminal
// update. Polling GetTask stays authoritative.
// GET /api/v1/uploads/:task_id/events
func (h *UploadHandler) StreamTask(c echo.Context) error {
	if h.fanout == nil {
		return c.JSON(http.StatusNotImplemented, map[string]interface{}{
			"error": "push updates are disabled, poll the task instead",
		})
	}

	owner, err := middleware.RequireOwner(c)
	if owner == "" {
		return err
	}
	taskID := c.Param("task_id")

	task, err := h.uploadService.GetTaskProgress(c.Request().Context(), taskID)
	if err != nil {
		return respondError(c, h.components.Logger, "get task", err)
	}
	if task.OwnerID != "" && task.OwnerID != owner {
		return taskNotFound(c, taskID)
	}

	snapshot, err := json.Marshal(task)
	if err != nil {
		return respondError(c, h.components.Logger, "encode task", err)
	}

	conn, err := fanout.Upgrade(c.Response(), c.Request())
	if err != nil {
		h.components.Logger.Warn("websocket upgrade failed", "task_id", taskID, "error", err)
		return nil
	}

	h.fanout.Attach(conn, taskID, &fanout.Message{
		TaskID: taskID,
		Data:   snapshot,
		Final:  task.Status.IsTerminal(),
	})
	return nil
}

func taskNotFound(c echo.Context, taskID string) error {
	return c.JSON(http.StatusNotFound, map[string]interface{}{
		"error": "task " + taskID + " not found",
		"kind":  "not_found",
	})
}

// parseTags splits a comma separated tag list
func parseTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
