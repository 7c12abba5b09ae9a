package models

import "time"

// TaskStatus is the lifecycle state of an asynchronous upload
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskUploading  TaskStatus = "uploading"
	TaskProcessing TaskStatus = "processing"
	TaskSaving     TaskStatus = "saving"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// taskOrder ranks the non-failed states; a task may only move forward.
var taskOrder = map[TaskStatus]int{
	TaskPending:    0,
	TaskUploading:  1,
	TaskProcessing: 2,
	TaskSaving:     3,
	TaskCompleted:  4,
}

// IsTerminal reports whether no further transition is allowed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// IsValid reports whether s is a known status
func (s TaskStatus) IsValid() bool {
	_, ok := taskOrder[s]
	return ok || s == TaskFailed
}

// CanTransitionTo reports whether next is a legal successor of s. Staying
// in the same non-terminal state is allowed so progress can advance within
// a stage.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	if next == TaskFailed {
		return true
	}
	return taskOrder[next] >= taskOrder[s]
}

// UploadResult is the outcome of a completed upload
type UploadResult struct {
	MediaID      string `json:"media_id"`
	Digest       string `json:"digest"`
	IsDuplicate  bool   `json:"is_duplicate"`
	SpaceSaved   int64  `json:"space_saved"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	MimeType     string `json:"mime_type"`
	MediaType    string `json:"media_type"`
}

// UploadTask is the ephemeral progress record of one asynchronous upload
type UploadTask struct {
	TaskID   string     `json:"task_id"`
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`
	Stage    string     `json:"stage"`
	Filename string     `json:"filename"`
	OwnerID  string     `json:"owner_id"`

	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	FailedStage string `json:"failed_stage,omitempty"`

	Result *UploadResult `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
