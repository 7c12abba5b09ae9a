package models

import (
	"time"

	"github.com/google/uuid"
)

// MediaType is the coarse category of a media record
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
	MediaTypeAudio MediaType = "audio"
)

// Media is a user-owned reference to a content hash entry. Deleting it
// releases one reference.
// Maps to: media table
type Media struct {
	ID            uuid.UUID `db:"id" json:"id"`
	ContentHashID uuid.UUID `db:"content_hash_id" json:"content_hash_id"`

	OwnerID          string    `db:"owner_id" json:"owner_id"`
	Title            string    `db:"title" json:"title"`
	Description      string    `db:"description" json:"description"`
	Category         string    `db:"category" json:"category"`
	Tags             []string  `db:"tags" json:"tags"`
	OriginalFilename string    `db:"original_filename" json:"original_filename"`
	MediaType        MediaType `db:"media_type" json:"media_type"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`

	// Entry is populated by reads that join content_hash
	Entry *ContentHashEntry `db:"-" json:"entry,omitempty"`
}

// IsDeleted reports whether the record was soft-deleted
func (m *Media) IsDeleted() bool {
	return m.DeletedAt != nil
}

// MediaMetadata is the caller-supplied descriptive part of a media record
type MediaMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
}
