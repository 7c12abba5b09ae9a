package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/metrics"
	"github.com/lyzr/mediapipe/common/models"
)

// ErrInvalidTransition is returned when an update would move a task
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid task transition")

// DefaultTimeout is how long a task may stay unfinished, counted from its
// creation, before it is reported as failed.
const DefaultTimeout = 5 * time.Minute

// Tracker records the progress of asynchronous uploads
type Tracker struct {
	store    Store
	notifier Notifier
	timeout  time.Duration
	now      func() time.Time
	metrics  *metrics.Pipeline
	log      *logger.Logger
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithNotifier pushes every change through n
func WithNotifier(n Notifier) TrackerOption {
	return func(t *Tracker) {
		t.notifier = n
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithMetrics counts timed out tasks on m
func WithMetrics(m *metrics.Pipeline) TrackerOption {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// NewTracker creates a tracker over store. A non-positive timeout uses
// DefaultTimeout.
func NewTracker(store Store, timeout time.Duration, log *logger.Logger, opts ...TrackerOption) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := &Tracker{
		store:    store,
		notifier: NopNotifier{},
		timeout:  timeout,
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create registers a pending task
func (t *Tracker) Create(ctx context.Context, taskID, filename, ownerID string) (*models.UploadTask, error) {
	now := t.now()
	task := &models.UploadTask{
		TaskID:    taskID,
		Status:    models.TaskPending,
		Stage:     "queued",
		Filename:  filename,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.store.Put(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	t.notifier.Notify(ctx, task)
	return task, nil
}

// Update moves a task forward. Progress is clamped to 0..100 and never
// decreases.
func (t *Tracker) Update(ctx context.Context, taskID string, status models.TaskStatus, stage string, progress int) error {
	if status.IsTerminal() {
		return fmt.Errorf("%w: use Complete or Fail for %s", ErrInvalidTransition, status)
	}
	return t.apply(ctx, taskID, func(task *models.UploadTask) error {
		if !task.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, status)
		}
		task.Status = status
		task.Stage = stage
		task.Progress = max(task.Progress, clamp(progress))
		return nil
	})
}

// Complete marks a task completed with its result
func (t *Tracker) Complete(ctx context.Context, taskID string, result *models.UploadResult) error {
	return t.apply(ctx, taskID, func(task *models.UploadTask) error {
		if !task.Status.CanTransitionTo(models.TaskCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, models.TaskCompleted)
		}
		task.Status = models.TaskCompleted
		task.Stage = "done"
		task.Progress = 100
		task.Result = result
		return nil
	})
}

// Fail marks a task failed, recording the error and the stage it happened
// in.
func (t *Tracker) Fail(ctx context.Context, taskID, stage string, cause error) error {
	return t.apply(ctx, taskID, func(task *models.UploadTask) error {
		if task.Status.IsTerminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, models.TaskFailed)
		}
		markFailed(task, stage, cause)
		return nil
	})
}

// GetTaskProgress returns a task. An unfinished task older than the
// timeout is failed with a Timeout error before it is returned.
func (t *Tracker) GetTaskProgress(ctx context.Context, taskID string) (*models.UploadTask, error) {
	task, err := t.store.Get(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, mediaerr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if !t.expired(task) {
		return task, nil
	}

	updated, err := t.expire(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Sweep fails every task that has timed out and returns how many it
// changed.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	tasks, err := t.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks: %w", err)
	}

	n := 0
	for _, task := range tasks {
		if !t.expired(task) {
			continue
		}
		updated, err := t.expire(ctx, task.TaskID)
		if err != nil {
			if errors.Is(err, mediaerr.ErrNotFound) {
				continue
			}
			return n, err
		}
		if updated.Status == models.TaskFailed && updated.ErrorKind == string(mediaerr.KindTimeout) {
			n++
		}
	}
	return n, nil
}

// Start runs Sweep every interval until ctx is done
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := t.Sweep(ctx)
			if err != nil {
				t.log.Error("task sweep failed", "error", err)
				continue
			}
			if n > 0 {
				t.log.Info("timed out stale tasks", "count", n)
			}
		}
	}
}

func (t *Tracker) expired(task *models.UploadTask) bool {
	return !task.Status.IsTerminal() && t.now().Sub(task.CreatedAt) > t.timeout
}

// expire re-checks the timeout inside the store update, so a task that
// finished in the meantime is left alone.
func (t *Tracker) expire(ctx context.Context, taskID string) (*models.UploadTask, error) {
	var timedOut bool
	task, err := t.store.Update(ctx, taskID, func(task *models.UploadTask) error {
		if !t.expired(task) {
			return nil
		}
		timedOut = true
		age := t.now().Sub(task.CreatedAt).Round(time.Second)
		markFailed(task, task.Stage, mediaerr.Timeout("unfinished after %s", age))
		task.UpdatedAt = t.now()
		return nil
	})
	if errors.Is(err, ErrTaskNotFound) {
		return nil, mediaerr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to expire task: %w", err)
	}

	if timedOut {
		t.log.WithTaskID(taskID).Warn("task timed out", "stage", task.Stage)
		if t.metrics != nil {
			t.metrics.TasksTimedOut.Inc()
		}
		t.notifier.Notify(ctx, task)
	}
	return task, nil
}

func (t *Tracker) apply(ctx context.Context, taskID string, fn func(*models.UploadTask) error) error {
	task, err := t.store.Update(ctx, taskID, func(task *models.UploadTask) error {
		if err := fn(task); err != nil {
			return err
		}
		task.UpdatedAt = t.now()
		return nil
	})
	if errors.Is(err, ErrTaskNotFound) {
		return mediaerr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return err
	}
	t.notifier.Notify(ctx, task)
	return nil
}

func markFailed(task *models.UploadTask, stage string, cause error) {
	task.Status = models.TaskFailed
	task.FailedStage = stage
	if s := mediaerr.StageOf(cause); s != "" {
		task.FailedStage = s
	}
	task.Stage = "failed"
	if cause != nil {
		task.Error = cause.Error()
		task.ErrorKind = string(mediaerr.KindOf(cause))
	}
}

func clamp(p int) int {
	return min(max(p, 0), 100)
}
