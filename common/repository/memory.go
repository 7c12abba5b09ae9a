package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/models"
)

// MemoryStore implements Store in process memory. All operations hold a
// single mutex, which gives the same atomicity the SQL transactions do.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[uuid.UUID]*models.ContentHashEntry
	byDigest map[string]uuid.UUID
	media    map[uuid.UUID]*models.Media
	versions map[uuid.UUID][]*models.MediaVersion
	now      func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[uuid.UUID]*models.ContentHashEntry),
		byDigest: make(map[string]uuid.UUID),
		media:    make(map[uuid.UUID]*models.Media),
		versions: make(map[uuid.UUID][]*models.MediaVersion),
		now:      time.Now,
	}
}

// SetClock replaces the time source, for tests
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) GetByDigest(ctx context.Context, digest string) (*models.ContentHashEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byDigest[digest]
	if !ok {
		return nil, nil
	}
	return cloneEntry(s.entries[id]), nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, id uuid.UUID) (*models.ContentHashEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, mediaerr.NotFound("content hash %s not found", id)
	}
	return cloneEntry(e), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, entry *models.ContentHashEntry) (*models.ContentHashEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, created := s.upsertLocked(entry)
	if created {
		s.insertEntryLocked(out)
	}
	return cloneEntry(out), created, nil
}

// upsertLocked bumps an existing entry in place, or returns a new entry the
// caller must insert.
func (s *MemoryStore) upsertLocked(entry *models.ContentHashEntry) (*models.ContentHashEntry, bool) {
	now := s.now()
	if id, ok := s.byDigest[entry.Digest]; ok {
		e := s.entries[id]
		e.RefCount++
		e.ReapableAt = nil
		e.UpdatedAt = now
		return e, false
	}

	e := cloneEntry(entry)
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	entry.ID = e.ID
	e.RefCount = 1
	e.ReapableAt = nil
	e.CreatedAt = now
	e.UpdatedAt = now
	return e, true
}

func (s *MemoryStore) insertEntryLocked(e *models.ContentHashEntry) {
	s.entries[e.ID] = e
	s.byDigest[e.Digest] = e.ID
}

func (s *MemoryStore) IncrementRef(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrementLocked(id)
}

func (s *MemoryStore) incrementLocked(id uuid.UUID) error {
	e, ok := s.entries[id]
	if !ok {
		return mediaerr.NotFound("content hash %s not found", id)
	}
	e.RefCount++
	e.ReapableAt = nil
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DecrementRef(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrementLocked(id)
}

func (s *MemoryStore) decrementLocked(id uuid.UUID) error {
	e, ok := s.entries[id]
	if !ok || e.RefCount == 0 {
		return mediaerr.NotFound("content hash %s not found or unreferenced", id)
	}
	now := s.now()
	e.RefCount--
	if e.RefCount == 0 {
		e.ReapableAt = &now
	}
	e.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Reap(ctx context.Context, cutoff time.Time, limit int, unlink func(ReapedEntry) error) ([]ReapedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.ContentHashEntry
	for _, e := range s.entries {
		if e.RefCount == 0 && e.ReapableAt != nil && e.ReapableAt.Before(cutoff) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ReapableAt.Before(*candidates[j].ReapableAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	reaped := make([]ReapedEntry, 0, len(candidates))
	for _, e := range candidates {
		r := ReapedEntry{Entry: cloneEntry(e)}
		var mediaIDs []uuid.UUID
		for id, m := range s.media {
			if m.ContentHashID == e.ID {
				mediaIDs = append(mediaIDs, id)
				for _, v := range s.versions[id] {
					r.VersionPaths = append(r.VersionPaths, v.ArtifactPath)
				}
			}
		}
		if unlink != nil {
			if err := unlink(r); err != nil {
				return reaped, err
			}
		}

		for _, id := range mediaIDs {
			delete(s.media, id)
			delete(s.versions, id)
		}
		delete(s.entries, e.ID)
		delete(s.byDigest, e.Digest)
		reaped = append(reaped, r)
	}
	return reaped, nil
}

func (s *MemoryStore) Reconcile(ctx context.Context) ([]Drift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[uuid.UUID]int)
	for _, m := range s.media {
		if !m.IsDeleted() {
			live[m.ContentHashID]++
		}
	}

	now := s.now()
	var drift []Drift
	for _, e := range s.entries {
		n := live[e.ID]
		if e.RefCount == n {
			continue
		}
		drift = append(drift, Drift{EntryID: e.ID, Digest: e.Digest, Was: e.RefCount, Now: n})
		e.RefCount = n
		if n == 0 {
			if e.ReapableAt == nil {
				e.ReapableAt = &now
			}
		} else {
			e.ReapableAt = nil
		}
		e.UpdatedAt = now
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].Digest < drift[j].Digest })
	return drift, nil
}

func (s *MemoryStore) RegisterAndCreate(ctx context.Context, entry *models.ContentHashEntry, media *models.Media, publish func() error) (*models.ContentHashEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDigest[entry.Digest]; ok {
		if err := s.incrementLocked(id); err != nil {
			return nil, false, err
		}
		media.ContentHashID = id
		s.insertMediaLocked(media)
		return cloneEntry(s.entries[id]), false, nil
	}

	e, _ := s.upsertLocked(entry)
	if publish != nil {
		if err := publish(); err != nil {
			return nil, false, err
		}
	}
	s.insertEntryLocked(e)
	media.ContentHashID = e.ID
	s.insertMediaLocked(media)
	return cloneEntry(e), true, nil
}

func (s *MemoryStore) CreateWithRef(ctx context.Context, media *models.Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.incrementLocked(media.ContentHashID); err != nil {
		return err
	}
	s.insertMediaLocked(media)
	return nil
}

func (s *MemoryStore) insertMediaLocked(media *models.Media) {
	if media.ID == uuid.Nil {
		media.ID = uuid.New()
	}
	if media.Tags == nil {
		media.Tags = []string{}
	}
	media.CreatedAt = s.now()
	stored := *media
	stored.Entry = nil
	stored.Tags = append([]string(nil), media.Tags...)
	s.media[media.ID] = &stored
}

func (s *MemoryStore) GetMedia(ctx context.Context, id uuid.UUID) (*models.Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.media[id]
	if !ok || m.IsDeleted() {
		return nil, mediaerr.NotFound("media %s not found", id)
	}
	return s.withEntryLocked(m), nil
}

func (s *MemoryStore) ListMedia(ctx context.Context, ownerID string, limit int) ([]*models.Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Media
	for _, m := range s.media {
		if m.OwnerID == ownerID && !m.IsDeleted() {
			out = append(out, s.withEntryLocked(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) withEntryLocked(m *models.Media) *models.Media {
	c := *m
	c.Tags = append([]string(nil), m.Tags...)
	c.Entry = cloneEntry(s.entries[m.ContentHashID])
	return &c
}

func (s *MemoryStore) SoftDelete(ctx context.Context, id uuid.UUID, ownerID string) (*models.Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.media[id]
	if !ok || m.IsDeleted() || m.OwnerID != ownerID {
		return nil, mediaerr.NotFound("media %s not found", id)
	}
	if err := s.decrementLocked(m.ContentHashID); err != nil {
		return nil, err
	}
	now := s.now()
	m.DeletedAt = &now

	c := *m
	return &c, nil
}

func (s *MemoryStore) AppendVersion(ctx context.Context, v *models.MediaVersion, finalize func(*models.MediaVersion) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.media[v.MediaID]
	if !ok || m.IsDeleted() {
		return mediaerr.NotFound("media %s not found", v.MediaID)
	}

	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.VersionNumber = len(s.versions[v.MediaID]) + 1

	if finalize != nil {
		if err := finalize(v); err != nil {
			return err
		}
	}

	v.CreatedAt = s.now()
	stored := *v
	s.versions[v.MediaID] = append(s.versions[v.MediaID], &stored)
	return nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, mediaID uuid.UUID) ([]*models.MediaVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := make([]*models.MediaVersion, 0, len(s.versions[mediaID]))
	for _, v := range s.versions[mediaID] {
		c := *v
		versions = append(versions, &c)
	}
	return versions, nil
}

func cloneEntry(e *models.ContentHashEntry) *models.ContentHashEntry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
