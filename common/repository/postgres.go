package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lyzr/mediapipe/common/db"
	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/models"
)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const entryColumns = `id, digest, artifact_path, thumbnail_path, thumbnail_count, mime_type,
		size_bytes, original_size_bytes, width, height, duration_seconds,
		ref_count, reapable_at, created_at, updated_at`

const mediaColumns = `id, content_hash_id, owner_id, title, description, category, tags,
		original_filename, media_type, created_at, deleted_at`

const versionColumns = `id, media_id, version_number, operation, options, artifact_path, url,
		mime_type, width, height, duration_seconds, size_bytes, change_note, created_at`

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a store backed by database
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// GetByDigest retrieves an entry by digest
func (s *PostgresStore) GetByDigest(ctx context.Context, digest string) (*models.ContentHashEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM content_hash WHERE digest = $1`

	entry, err := scanEntry(s.db.QueryRow(ctx, query, digest))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content hash: %w", err)
	}
	return entry, nil
}

// GetEntry retrieves an entry by ID
func (s *PostgresStore) GetEntry(ctx context.Context, id uuid.UUID) (*models.ContentHashEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM content_hash WHERE id = $1`

	entry, err := scanEntry(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, mediaerr.NotFound("content hash %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content hash: %w", err)
	}
	return entry, nil
}

// Upsert registers entry or takes a reference on the existing row
func (s *PostgresStore) Upsert(ctx context.Context, entry *models.ContentHashEntry) (*models.ContentHashEntry, bool, error) {
	return upsertEntry(ctx, s.db, entry)
}

// upsertEntry relies on xmax being 0 only for freshly inserted tuples
func upsertEntry(ctx context.Context, q querier, entry *models.ContentHashEntry) (*models.ContentHashEntry, bool, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	query := `
		INSERT INTO content_hash (id, digest, artifact_path, thumbnail_path, thumbnail_count, mime_type,
		                          size_bytes, original_size_bytes, width, height, duration_seconds, ref_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		ON CONFLICT (digest) DO UPDATE
		SET ref_count = content_hash.ref_count + 1,
		    reapable_at = NULL,
		    updated_at = now()
		RETURNING ` + entryColumns + `, (xmax = 0) AS created
	`

	out := &models.ContentHashEntry{}
	var created bool
	err := q.QueryRow(ctx, query,
		entry.ID,
		entry.Digest,
		entry.ArtifactPath,
		entry.ThumbnailPath,
		entry.ThumbnailCount,
		entry.MimeType,
		entry.SizeBytes,
		entry.OriginalSizeBytes,
		entry.Width,
		entry.Height,
		entry.DurationSeconds,
	).Scan(append(entryDest(out), &created)...)

	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert content hash: %w", err)
	}

	return out, created, nil
}

// IncrementRef takes one reference on an entry
func (s *PostgresStore) IncrementRef(ctx context.Context, id uuid.UUID) error {
	return incrementRef(ctx, s.db, id)
}

func incrementRef(ctx context.Context, q querier, id uuid.UUID) error {
	query := `
		UPDATE content_hash
		SET ref_count = ref_count + 1, reapable_at = NULL, updated_at = now()
		WHERE id = $1
	`

	result, err := q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to increment ref count: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mediaerr.NotFound("content hash %s not found", id)
	}
	return nil
}

// DecrementRef releases one reference. The entry becomes reapable when the
// count reaches zero.
func (s *PostgresStore) DecrementRef(ctx context.Context, id uuid.UUID) error {
	return decrementRef(ctx, s.db, id)
}

func decrementRef(ctx context.Context, q querier, id uuid.UUID) error {
	query := `
		UPDATE content_hash
		SET ref_count = ref_count - 1,
		    reapable_at = CASE WHEN ref_count - 1 = 0 THEN now() ELSE reapable_at END,
		    updated_at = now()
		WHERE id = $1 AND ref_count > 0
	`

	result, err := q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to decrement ref count: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mediaerr.NotFound("content hash %s not found or unreferenced", id)
	}
	return nil
}

// Reap deletes unreferenced entries whose grace period has passed
func (s *PostgresStore) Reap(ctx context.Context, cutoff time.Time, limit int, unlink func(ReapedEntry) error) ([]ReapedEntry, error) {
	var reaped []ReapedEntry

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		// Lock the candidates; a concurrent re-reference waits on these rows
		// and then finds them gone.
		lockQuery := `
			SELECT ` + entryColumns + `
			FROM content_hash
			WHERE ref_count = 0 AND reapable_at < $1
			ORDER BY reapable_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`

		rows, err := tx.Query(ctx, lockQuery, cutoff, limit)
		if err != nil {
			return fmt.Errorf("failed to select reapable entries: %w", err)
		}
		entries, err := collectEntries(rows)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}

		versionPaths, err := versionPathsFor(ctx, tx, ids)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM content_hash WHERE id = ANY($1) AND ref_count = 0`, ids); err != nil {
			return fmt.Errorf("failed to delete reapable entries: %w", err)
		}

		for _, e := range entries {
			r := ReapedEntry{Entry: e, VersionPaths: versionPaths[e.ID]}
			if unlink != nil {
				if err := unlink(r); err != nil {
					return fmt.Errorf("failed to unlink %s: %w", e.Digest, err)
				}
			}
			reaped = append(reaped, r)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return reaped, nil
}

func versionPathsFor(ctx context.Context, tx pgx.Tx, entryIDs []uuid.UUID) (map[uuid.UUID][]string, error) {
	query := `
		SELECT m.content_hash_id, v.artifact_path
		FROM media_version v
		JOIN media m ON m.id = v.media_id
		WHERE m.content_hash_id = ANY($1)
	`

	rows, err := tx.Query(ctx, query, entryIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list version paths: %w", err)
	}
	defer rows.Close()

	paths := make(map[uuid.UUID][]string)
	for rows.Next() {
		var id uuid.UUID
		var p string
		if err := rows.Scan(&id, &p); err != nil {
			return nil, fmt.Errorf("failed to scan version path: %w", err)
		}
		paths[id] = append(paths[id], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating version paths: %w", err)
	}
	return paths, nil
}

// Reconcile recomputes every drifted ref_count. Entry rows are locked before
// live media are counted: every writer takes the same row lock when it moves
// a count, so a writer either committed before the count or applies its
// delta on top of the corrected value after.
func (s *PostgresStore) Reconcile(ctx context.Context) ([]Drift, error) {
	var drift []Drift

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		ids, err := lockEntries(ctx, tx)
		if err != nil || len(ids) == 0 {
			return err
		}

		query := `
			WITH live AS (
				SELECT content_hash_id, count(*)::int AS n
				FROM media
				WHERE deleted_at IS NULL AND content_hash_id = ANY($1)
				GROUP BY content_hash_id
			)
			UPDATE content_hash h
			SET ref_count = COALESCE(l.n, 0),
			    reapable_at = CASE WHEN COALESCE(l.n, 0) = 0 THEN COALESCE(h.reapable_at, now()) ELSE NULL END,
			    updated_at = now()
			FROM content_hash old
			LEFT JOIN live l ON l.content_hash_id = old.id
			WHERE h.id = old.id AND h.id = ANY($1) AND h.ref_count <> COALESCE(l.n, 0)
			RETURNING h.id, h.digest, old.ref_count, h.ref_count
		`

		rows, err := tx.Query(ctx, query, ids)
		if err != nil {
			return fmt.Errorf("failed to reconcile ref counts: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var d Drift
			if err := rows.Scan(&d.EntryID, &d.Digest, &d.Was, &d.Now); err != nil {
				return fmt.Errorf("failed to scan drift: %w", err)
			}
			drift = append(drift, d)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating drift: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return drift, nil
}

// lockEntries takes the row lock on every entry in id order
func lockEntries(ctx context.Context, tx pgx.Tx) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx, `SELECT id FROM content_hash ORDER BY id FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("failed to lock content hash entries: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan entry id: %w", err)
	}
	return ids, nil
}

// RegisterAndCreate upserts the entry and binds media to it atomically
func (s *PostgresStore) RegisterAndCreate(ctx context.Context, entry *models.ContentHashEntry, media *models.Media, publish func() error) (*models.ContentHashEntry, bool, error) {
	var out *models.ContentHashEntry
	var created bool

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, created, err = upsertEntry(ctx, tx, entry)
		if err != nil {
			return err
		}

		if created && publish != nil {
			if err := publish(); err != nil {
				return err
			}
		}

		media.ContentHashID = out.ID
		return insertMedia(ctx, tx, media)
	})

	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// CreateWithRef inserts media and takes its reference atomically
func (s *PostgresStore) CreateWithRef(ctx context.Context, media *models.Media) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := incrementRef(ctx, tx, media.ContentHashID); err != nil {
			return err
		}
		return insertMedia(ctx, tx, media)
	})
}

func insertMedia(ctx context.Context, q querier, media *models.Media) error {
	if media.ID == uuid.Nil {
		media.ID = uuid.New()
	}
	if media.Tags == nil {
		media.Tags = []string{}
	}

	query := `
		INSERT INTO media (id, content_hash_id, owner_id, title, description, category, tags,
		                   original_filename, media_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := q.QueryRow(ctx, query,
		media.ID,
		media.ContentHashID,
		media.OwnerID,
		media.Title,
		media.Description,
		media.Category,
		media.Tags,
		media.OriginalFilename,
		media.MediaType,
	).Scan(&media.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create media: %w", err)
	}
	return nil
}

// GetMedia retrieves a live media record joined with its entry
func (s *PostgresStore) GetMedia(ctx context.Context, id uuid.UUID) (*models.Media, error) {
	query := `
		SELECT ` + prefixed("m", mediaColumns) + `, ` + prefixed("h", entryColumns) + `
		FROM media m
		JOIN content_hash h ON h.id = m.content_hash_id
		WHERE m.id = $1 AND m.deleted_at IS NULL
	`

	m := &models.Media{Entry: &models.ContentHashEntry{}}
	err := s.db.QueryRow(ctx, query, id).Scan(append(mediaDest(m), entryDest(m.Entry)...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, mediaerr.NotFound("media %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media: %w", err)
	}
	return m, nil
}

// ListMedia retrieves an owner's live media, newest first
func (s *PostgresStore) ListMedia(ctx context.Context, ownerID string, limit int) ([]*models.Media, error) {
	query := `
		SELECT ` + prefixed("m", mediaColumns) + `, ` + prefixed("h", entryColumns) + `
		FROM media m
		JOIN content_hash h ON h.id = m.content_hash_id
		WHERE m.owner_id = $1 AND m.deleted_at IS NULL
		ORDER BY m.created_at DESC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	defer rows.Close()

	var media []*models.Media
	for rows.Next() {
		m := &models.Media{Entry: &models.ContentHashEntry{}}
		if err := rows.Scan(append(mediaDest(m), entryDest(m.Entry)...)...); err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		media = append(media, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating media: %w", err)
	}
	return media, nil
}

// SoftDelete marks a media record deleted and releases its reference
func (s *PostgresStore) SoftDelete(ctx context.Context, id uuid.UUID, ownerID string) (*models.Media, error) {
	m := &models.Media{}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE media
			SET deleted_at = now()
			WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL
			RETURNING ` + mediaColumns

		err := tx.QueryRow(ctx, query, id, ownerID).Scan(mediaDest(m)...)
		if errors.Is(err, pgx.ErrNoRows) {
			return mediaerr.NotFound("media %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("failed to delete media: %w", err)
		}

		return decrementRef(ctx, tx, m.ContentHashID)
	})

	if err != nil {
		return nil, err
	}
	return m, nil
}

// AppendVersion assigns the next version number under a lock on the media
// row, so concurrent edits of one item serialize.
func (s *PostgresStore) AppendVersion(ctx context.Context, v *models.MediaVersion, finalize func(*models.MediaVersion) error) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT id FROM media WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`,
			v.MediaID,
		).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return mediaerr.NotFound("media %s not found", v.MediaID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock media: %w", err)
		}

		err = tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version_number), 0) + 1 FROM media_version WHERE media_id = $1`,
			v.MediaID,
		).Scan(&v.VersionNumber)
		if err != nil {
			return fmt.Errorf("failed to allocate version number: %w", err)
		}

		if finalize != nil {
			if err := finalize(v); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO media_version (id, media_id, version_number, operation, options, artifact_path, url,
			                           mime_type, width, height, duration_seconds, size_bytes, change_note)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING created_at
		`

		err = tx.QueryRow(ctx, query,
			v.ID,
			v.MediaID,
			v.VersionNumber,
			v.Operation,
			v.Options,
			v.ArtifactPath,
			v.URL,
			v.MimeType,
			v.Width,
			v.Height,
			v.DurationSeconds,
			v.SizeBytes,
			v.ChangeNote,
		).Scan(&v.CreatedAt)

		if err != nil {
			return fmt.Errorf("failed to create media version: %w", err)
		}
		return nil
	})
}

// ListVersions retrieves a media item's versions in ascending order
func (s *PostgresStore) ListVersions(ctx context.Context, mediaID uuid.UUID) ([]*models.MediaVersion, error) {
	query := `
		SELECT ` + versionColumns + `
		FROM media_version
		WHERE media_id = $1
		ORDER BY version_number ASC
	`

	rows, err := s.db.Query(ctx, query, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list media versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.MediaVersion
	for rows.Next() {
		v := &models.MediaVersion{}
		err := rows.Scan(
			&v.ID,
			&v.MediaID,
			&v.VersionNumber,
			&v.Operation,
			&v.Options,
			&v.ArtifactPath,
			&v.URL,
			&v.MimeType,
			&v.Width,
			&v.Height,
			&v.DurationSeconds,
			&v.SizeBytes,
			&v.ChangeNote,
			&v.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan media version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating media versions: %w", err)
	}
	return versions, nil
}

func entryDest(e *models.ContentHashEntry) []any {
	return []any{
		&e.ID,
		&e.Digest,
		&e.ArtifactPath,
		&e.ThumbnailPath,
		&e.ThumbnailCount,
		&e.MimeType,
		&e.SizeBytes,
		&e.OriginalSizeBytes,
		&e.Width,
		&e.Height,
		&e.DurationSeconds,
		&e.RefCount,
		&e.ReapableAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	}
}

func mediaDest(m *models.Media) []any {
	return []any{
		&m.ID,
		&m.ContentHashID,
		&m.OwnerID,
		&m.Title,
		&m.Description,
		&m.Category,
		&m.Tags,
		&m.OriginalFilename,
		&m.MediaType,
		&m.CreatedAt,
		&m.DeletedAt,
	}
}

func scanEntry(row pgx.Row) (*models.ContentHashEntry, error) {
	e := &models.ContentHashEntry{}
	if err := row.Scan(entryDest(e)...); err != nil {
		return nil, err
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]*models.ContentHashEntry, error) {
	defer rows.Close()

	var entries []*models.ContentHashEntry
	for rows.Next() {
		e := &models.ContentHashEntry{}
		if err := rows.Scan(entryDest(e)...); err != nil {
			return nil, fmt.Errorf("failed to scan content hash: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating content hashes: %w", err)
	}
	return entries, nil
}

// prefixed qualifies a comma-separated column list with a table alias
func prefixed(alias, columns string) string {
	fields := strings.Split(columns, ",")
	for i, f := range fields {
		fields[i] = alias + "." + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}
