package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/mediapipe/common/models"
)

// HashStore persists content hash entries and their reference counts
type HashStore interface {
	// GetByDigest returns nil, nil when the digest is not registered
	GetByDigest(ctx context.Context, digest string) (*models.ContentHashEntry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*models.ContentHashEntry, error)

	// Upsert inserts entry with ref_count 1, or increments the existing
	// row for the same digest. created reports which happened.
	Upsert(ctx context.Context, entry *models.ContentHashEntry) (*models.ContentHashEntry, bool, error)
	IncrementRef(ctx context.Context, id uuid.UUID) error
	DecrementRef(ctx context.Context, id uuid.UUID) error

	// Reap deletes up to limit unreferenced entries that became reapable
	// before cutoff. unlink runs for every entry while its row is still
	// locked; an unlink error aborts the batch.
	Reap(ctx context.Context, cutoff time.Time, limit int, unlink func(ReapedEntry) error) ([]ReapedEntry, error)

	// Reconcile rewrites ref_count from the number of live media rows and
	// returns the entries that had drifted.
	Reconcile(ctx context.Context) ([]Drift, error)
}

// MediaStore persists media records together with the reference they hold
type MediaStore interface {
	// RegisterAndCreate upserts entry and inserts media bound to it in one
	// transaction. publish runs inside that transaction only when the
	// entry row was created; an error from it rolls both back.
	RegisterAndCreate(ctx context.Context, entry *models.ContentHashEntry, media *models.Media, publish func() error) (*models.ContentHashEntry, bool, error)

	// CreateWithRef increments media.ContentHashID and inserts media in
	// one transaction. Returns a NotFound error when the entry is gone.
	CreateWithRef(ctx context.Context, media *models.Media) error

	// GetMedia returns a live media record with its entry attached
	GetMedia(ctx context.Context, id uuid.UUID) (*models.Media, error)
	ListMedia(ctx context.Context, ownerID string, limit int) ([]*models.Media, error)

	// SoftDelete marks the record deleted and releases its reference in
	// one transaction.
	SoftDelete(ctx context.Context, id uuid.UUID, ownerID string) (*models.Media, error)
}

// VersionStore persists the derivative history of media records
type VersionStore interface {
	// AppendVersion allocates the next version number for v.MediaID and
	// inserts v. finalize runs inside the transaction after the number is
	// assigned, so it can place the artifact and fill in its path.
	AppendVersion(ctx context.Context, v *models.MediaVersion, finalize func(*models.MediaVersion) error) error
	ListVersions(ctx context.Context, mediaID uuid.UUID) ([]*models.MediaVersion, error)
}

// Store is the full persistence surface of the pipeline
type Store interface {
	HashStore
	MediaStore
	VersionStore
}

// ReapedEntry is an entry removed by Reap, along with the derivative
// files of the media records that went with it.
type ReapedEntry struct {
	Entry        *models.ContentHashEntry
	VersionPaths []string
}

// Drift is one entry whose stored ref_count disagreed with its live media
type Drift struct {
	EntryID uuid.UUID `json:"entry_id"`
	Digest  string    `json:"digest"`
	Was     int       `json:"was"`
	Now     int       `json:"now"`
}
