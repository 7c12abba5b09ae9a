package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/models"
)

// runStoreContract exercises behaviour every Store implementation must share
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("LookupAbsent", func(t *testing.T) {
		s := newStore(t)
		e, err := s.GetByDigest(context.Background(), "sha256:"+randomHex())
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("UpsertCreatesThenIncrements", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		digest := "sha256:" + randomHex()

		first, created, err := s.Upsert(ctx, newEntry(digest))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, 1, first.RefCount)

		second, created, err := s.Upsert(ctx, newEntry(digest))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 2, second.RefCount)
	})

	t.Run("ConcurrentRegisterCountsEveryCaller", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		digest := "sha256:" + randomHex()

		const n = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			creators int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				m := newMedia(fmt.Sprintf("owner-%d", i))
				_, created, err := s.RegisterAndCreate(ctx, newEntry(digest), m, nil)
				assert.NoError(t, err)
				if created {
					mu.Lock()
					creators++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, creators)
		e, err := s.GetByDigest(ctx, digest)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, n, e.RefCount)
	})

	t.Run("PublishOnlyRunsForCreator", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		digest := "sha256:" + randomHex()

		calls := 0
		publish := func() error { calls++; return nil }

		_, created, err := s.RegisterAndCreate(ctx, newEntry(digest), newMedia("a"), publish)
		require.NoError(t, err)
		assert.True(t, created)

		_, created, err = s.RegisterAndCreate(ctx, newEntry(digest), newMedia("b"), publish)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 1, calls)
	})

	t.Run("FailedPublishLeavesNoRow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		digest := "sha256:" + randomHex()

		m := newMedia("a")
		_, _, err := s.RegisterAndCreate(ctx, newEntry(digest), m, func() error {
			return errors.New("rename failed")
		})
		require.Error(t, err)

		e, err := s.GetByDigest(ctx, digest)
		require.NoError(t, err)
		assert.Nil(t, e)

		_, err = s.GetMedia(ctx, m.ID)
		assert.True(t, errors.Is(err, mediaerr.ErrNotFound))
	})

	t.Run("CreateWithRefAndSoftDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		digest := "sha256:" + randomHex()

		entry, _, err := s.RegisterAndCreate(ctx, newEntry(digest), newMedia("a"), nil)
		require.NoError(t, err)

		dup := newMedia("b")
		dup.ContentHashID = entry.ID
		require.NoError(t, s.CreateWithRef(ctx, dup))

		got, err := s.GetMedia(ctx, dup.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Entry)
		assert.Equal(t, 2, got.Entry.RefCount)
		assert.Equal(t, digest, got.Entry.Digest)

		// wrong owner cannot delete
		_, err = s.SoftDelete(ctx, dup.ID, "a")
		assert.True(t, errors.Is(err, mediaerr.ErrNotFound))

		_, err = s.SoftDelete(ctx, dup.ID, "b")
		require.NoError(t, err)

		_, err = s.GetMedia(ctx, dup.ID)
		assert.True(t, errors.Is(err, mediaerr.ErrNotFound))

		e, err := s.GetEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, e.RefCount)
		assert.Nil(t, e.ReapableAt)
	})

	t.Run("CreateWithRefMissingEntry", func(t *testing.T) {
		s := newStore(t)
		m := newMedia("a")
		m.ContentHashID = uuid.New()

		err := s.CreateWithRef(context.Background(), m)
		assert.True(t, errors.Is(err, mediaerr.ErrNotFound))
	})

	t.Run("DecrementToZeroThenReap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		digest := "sha256:" + randomHex()

		m := newMedia("a")
		entry, _, err := s.RegisterAndCreate(ctx, newEntry(digest), m, nil)
		require.NoError(t, err)
		_, err = s.SoftDelete(ctx, m.ID, "a")
		require.NoError(t, err)

		e, err := s.GetEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, e.RefCount)
		require.NotNil(t, e.ReapableAt)

		// still inside the grace period
		var unlinked []string
		collect := func(r ReapedEntry) error {
			unlinked = append(unlinked, r.Entry.Digest)
			return nil
		}
		_, err = s.Reap(ctx, time.Now().Add(-time.Hour), 100, collect)
		require.NoError(t, err)
		assert.NotContains(t, unlinked, digest)

		reaped, err := s.Reap(ctx, time.Now().Add(time.Minute), 100, collect)
		require.NoError(t, err)
		assert.NotEmpty(t, reaped)
		assert.Contains(t, unlinked, digest)

		gone, err := s.GetByDigest(ctx, digest)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("DecrementNeverGoesNegative", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		entry, _, err := s.Upsert(ctx, newEntry("sha256:"+randomHex()))
		require.NoError(t, err)
		require.NoError(t, s.DecrementRef(ctx, entry.ID))

		err = s.DecrementRef(ctx, entry.ID)
		assert.True(t, errors.Is(err, mediaerr.ErrNotFound))

		e, err := s.GetEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, e.RefCount)
	})

	t.Run("ReconcileRepairsDrift", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		digest := "sha256:" + randomHex()

		entry, _, err := s.RegisterAndCreate(ctx, newEntry(digest), newMedia("a"), nil)
		require.NoError(t, err)
		// a bare increment with no media behind it
		require.NoError(t, s.IncrementRef(ctx, entry.ID))

		drift, err := s.Reconcile(ctx)
		require.NoError(t, err)

		var found *Drift
		for i := range drift {
			if drift[i].Digest == digest {
				found = &drift[i]
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, 2, found.Was)
		assert.Equal(t, 1, found.Now)

		e, err := s.GetEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, e.RefCount)
	})

	t.Run("ReconcileInterleavedWithNewReferences", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		digest := "sha256:" + randomHex()

		entry, _, err := s.RegisterAndCreate(ctx, newEntry(digest), newMedia("a"), nil)
		require.NoError(t, err)

		const writers = 16
		var wg sync.WaitGroup
		errs := make(chan error, writers*2)
		for i := 0; i < writers; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				m := newMedia(fmt.Sprintf("owner-%d", i))
				m.ContentHashID = entry.ID
				errs <- s.CreateWithRef(ctx, m)
			}(i)
			go func() {
				defer wg.Done()
				_, err := s.Reconcile(ctx)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		e, err := s.GetEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, writers+1, e.RefCount)

		drift, err := s.Reconcile(ctx)
		require.NoError(t, err)
		for _, d := range drift {
			assert.NotEqual(t, digest, d.Digest)
		}
	})

	t.Run("VersionsAreGapless", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		m := newMedia("a")
		_, _, err := s.RegisterAndCreate(ctx, newEntry("sha256:"+randomHex()), m, nil)
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			v := newVersion(m.ID)
			err := s.AppendVersion(ctx, v, func(v *models.MediaVersion) error {
				v.ArtifactPath = fmt.Sprintf("versions/%s-v%d.jpg", m.ID, v.VersionNumber)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, i, v.VersionNumber)
		}

		// a failed finalize consumes no number
		err = s.AppendVersion(ctx, newVersion(m.ID), func(*models.MediaVersion) error {
			return errors.New("encode failed")
		})
		require.Error(t, err)

		v := newVersion(m.ID)
		require.NoError(t, s.AppendVersion(ctx, v, nil))
		assert.Equal(t, 4, v.VersionNumber)

		versions, err := s.ListVersions(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, versions, 4)
		for i, v := range versions {
			assert.Equal(t, i+1, v.VersionNumber)
		}
		assert.Equal(t, fmt.Sprintf("versions/%s-v1.jpg", m.ID), versions[0].ArtifactPath)
	})

	t.Run("ConcurrentVersionsGetDistinctNumbers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		m := newMedia("a")
		_, _, err := s.RegisterAndCreate(ctx, newEntry("sha256:"+randomHex()), m, nil)
		require.NoError(t, err)

		const n = 8
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.AppendVersion(ctx, newVersion(m.ID), nil))
			}()
		}
		wg.Wait()

		versions, err := s.ListVersions(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, versions, n)
		for i, v := range versions {
			assert.Equal(t, i+1, v.VersionNumber)
		}
	})

	t.Run("VersionOfDeletedMedia", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.AppendVersion(ctx, newVersion(uuid.New()), nil)
		assert.True(t, errors.Is(err, mediaerr.ErrNotFound))
	})

	t.Run("ListMediaByOwner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		owner := "owner-" + randomHex()

		for i := 0; i < 3; i++ {
			_, _, err := s.RegisterAndCreate(ctx, newEntry("sha256:"+randomHex()), newMedia(owner), nil)
			require.NoError(t, err)
		}
		_, _, err := s.RegisterAndCreate(ctx, newEntry("sha256:"+randomHex()), newMedia("someone-else"), nil)
		require.NoError(t, err)

		media, err := s.ListMedia(ctx, owner, 2)
		require.NoError(t, err)
		assert.Len(t, media, 2)
		for _, m := range media {
			assert.Equal(t, owner, m.OwnerID)
			assert.NotNil(t, m.Entry)
		}
	})
}

func randomHex() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

func newEntry(digest string) *models.ContentHashEntry {
	thumb := "ab/cd/thumb.jpg"
	w, h := 640, 480
	return &models.ContentHashEntry{
		Digest:            digest,
		ArtifactPath:      "ab/cd/artifact.jpg",
		ThumbnailPath:     &thumb,
		ThumbnailCount:    1,
		MimeType:          "image/jpeg",
		SizeBytes:         1024,
		OriginalSizeBytes: 4096,
		Width:             &w,
		Height:            &h,
	}
}

func newMedia(owner string) *models.Media {
	return &models.Media{
		OwnerID:          owner,
		Title:            "holiday",
		Tags:             []string{"beach"},
		OriginalFilename: "holiday.png",
		MediaType:        models.MediaTypeImage,
	}
}

func newVersion(mediaID uuid.UUID) *models.MediaVersion {
	return &models.MediaVersion{
		MediaID:      mediaID,
		Operation:    "grayscale",
		Options:      json.RawMessage(`{}`),
		ArtifactPath: "versions/placeholder.jpg",
		URL:          "/media/versions/placeholder.jpg",
		MimeType:     "image/jpeg",
		SizeBytes:    10,
	}
}
