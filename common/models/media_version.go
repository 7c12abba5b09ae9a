package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MediaVersion is an immutable derivative of a media item's original
// artifact.
// Maps to: media_version table
type MediaVersion struct {
	ID      uuid.UUID `db:"id" json:"id"`
	MediaID uuid.UUID `db:"media_id" json:"media_id"`

	// Starts at 1 and increases without gaps per media item
	VersionNumber int `db:"version_number" json:"version_number"`

	// Edit operation ("resize", "rotate", "crop", "grayscale", "trim",
	// "transcode") and its effective options after merging defaults
	Operation string          `db:"operation" json:"operation"`
	Options   json.RawMessage `db:"options" json:"options"`

	// Relative to the artifact root
	ArtifactPath string `db:"artifact_path" json:"artifact_path"`
	URL          string `db:"url" json:"url"`
	MimeType     string `db:"mime_type" json:"mime_type"`

	Width           *int     `db:"width" json:"width,omitempty"`
	Height          *int     `db:"height" json:"height,omitempty"`
	DurationSeconds *float64 `db:"duration_seconds" json:"duration_seconds,omitempty"`
	SizeBytes       int64    `db:"size_bytes" json:"size_bytes"`

	ChangeNote string    `db:"change_note" json:"change_note"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
