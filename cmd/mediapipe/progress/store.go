package progress

import (
	"context"
	"errors"

	"github.com/lyzr/mediapipe/common/models"
)

// ErrTaskNotFound is returned by stores for unknown or expired tasks
var ErrTaskNotFound = errors.New("task not found")

// Store persists upload tasks. Implementations bound their size and age;
// evicted tasks read as ErrTaskNotFound.
type Store interface {
	Get(ctx context.Context, taskID string) (*models.UploadTask, error)
	Put(ctx context.Context, task *models.UploadTask) error

	// Update applies fn to the stored task atomically and persists the
	// result. An error from fn aborts the update and is returned as is.
	Update(ctx context.Context, taskID string, fn func(*models.UploadTask) error) (*models.UploadTask, error)

	// List returns every live task
	List(ctx context.Context) ([]*models.UploadTask, error)
	Delete(ctx context.Context, taskID string) error
}
