package models

import (
	"time"

	"github.com/google/uuid"
)

// ContentHashEntry is one canonical artifact, shared by every media record
// whose upload hashed to the same digest.
// Maps to: content_hash table
type ContentHashEntry struct {
	ID uuid.UUID `db:"id" json:"id"`

	// Content digest of the original upload ("sha256:ab12...")
	Digest string `db:"digest" json:"digest"`

	// Paths are relative to the artifact and thumbnail roots so the
	// registry survives a move of the storage tree.
	ArtifactPath  string  `db:"artifact_path" json:"artifact_path"`
	ThumbnailPath *string `db:"thumbnail_path" json:"thumbnail_path,omitempty"`

	// Number of thumbnails in the series starting at ThumbnailPath
	ThumbnailCount int `db:"thumbnail_count" json:"thumbnail_count"`

	// Mime type of the canonical artifact
	MimeType string `db:"mime_type" json:"mime_type"`

	SizeBytes         int64 `db:"size_bytes" json:"size_bytes"`
	OriginalSizeBytes int64 `db:"original_size_bytes" json:"original_size_bytes"`

	Width           *int     `db:"width" json:"width,omitempty"`
	Height          *int     `db:"height" json:"height,omitempty"`
	DurationSeconds *float64 `db:"duration_seconds" json:"duration_seconds,omitempty"`

	// Number of live media records pointing at this entry
	RefCount int `db:"ref_count" json:"ref_count"`

	// Set when RefCount drops to 0; the reaper deletes the entry and its
	// files once this is older than the grace period.
	ReapableAt *time.Time `db:"reapable_at" json:"reapable_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsReapable reports whether the entry is unreferenced
func (e *ContentHashEntry) IsReapable() bool {
	return e.RefCount == 0
}
