package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/metrics"
	"github.com/lyzr/mediapipe/common/models"
	"github.com/lyzr/mediapipe/common/ratelimit"
)

func TestSubmitUpload_DuplicateSharesArtifactUntilReaped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := pngBytes(t, 64, 48, 10)

	first, err := h.uploads.SubmitUpload(ctx, uploadOf(data, "alice"))
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate)
	assert.Zero(t, first.SpaceSaved)
	assert.Equal(t, h.hasher.Bytes(data), first.Digest)
	assert.Equal(t, "image", first.MediaType)
	assert.Equal(t, "image/jpeg", first.MimeType)
	assert.True(t, strings.HasPrefix(first.URL, "/files/media/"))
	assert.True(t, strings.HasPrefix(first.ThumbnailURL, "/files/thumbnails/"))

	second, err := h.uploads.SubmitUpload(ctx, uploadOf(data, "bob"))
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, int64(len(data)), second.SpaceSaved)
	assert.Equal(t, first.URL, second.URL)
	assert.NotEqual(t, first.MediaID, second.MediaID)
	assert.Equal(t, int32(1), h.transcoder.runs.Load())

	entry, err := h.registry.Lookup(ctx, first.Digest)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.RefCount)
	assert.Equal(t, 1, entry.ThumbnailCount)

	path, err := h.paths.Derive(first.Digest, "jpg")
	require.NoError(t, err)
	assert.FileExists(t, path.ArtifactPath)
	assert.FileExists(t, path.ThumbnailPath)
	assert.Empty(t, filesUnder(t, h.tempDir))

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.UploadsTotal.WithLabelValues(metrics.OutcomeNovel)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.UploadsTotal.WithLabelValues(metrics.OutcomeDuplicate)))
	assert.Equal(t, float64(len(data)), testutil.ToFloat64(h.metrics.DedupBytesSaved))

	// deleting one reference keeps the artifact
	require.NoError(t, h.uploads.DeleteMedia(ctx, uuid.MustParse(first.MediaID), "alice"))
	entry, err = h.registry.Lookup(ctx, first.Digest)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.RefCount)
	assert.Nil(t, entry.ReapableAt)

	_, err = h.uploads.GetMedia(ctx, uuid.MustParse(first.MediaID))
	assert.True(t, errors.Is(err, mediaerr.ErrNotFound))

	// the last reference makes it reapable, but not before the grace period
	require.NoError(t, h.uploads.DeleteMedia(ctx, uuid.MustParse(second.MediaID), "bob"))
	entry, err = h.registry.Lookup(ctx, first.Digest)
	require.NoError(t, err)
	assert.Equal(t, 0, entry.RefCount)
	assert.NotNil(t, entry.ReapableAt)

	reaped, err := h.maint.Reap(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, reaped)
	assert.FileExists(t, path.ArtifactPath)

	h.maint.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	reaped, err = h.maint.Reap(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.NoFileExists(t, path.ArtifactPath)
	assert.NoFileExists(t, path.ThumbnailPath)

	entry, err = h.registry.Lookup(ctx, first.Digest)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSubmitUpload_DownscalesLargeImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.uploads.SubmitUpload(ctx, uploadOf(pngBytes(t, 4000, 3000, 20), "alice"))
	require.NoError(t, err)

	entry, err := h.registry.Lookup(ctx, res.Digest)
	require.NoError(t, err)
	require.NotNil(t, entry.Width)
	require.NotNil(t, entry.Height)
	assert.Equal(t, 2048, *entry.Width)
	assert.InDelta(t, 1536, *entry.Height, 1)

	w, hgt := decodeSize(t, filepath.Join(h.paths.ArtifactRoot, filepath.FromSlash(entry.ArtifactPath)))
	assert.Equal(t, 2048, w)
	assert.InDelta(t, 1536, hgt, 1)
}

func TestSubmitUpload_ConcurrentIdenticalUploadsTranscodeOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := pngBytes(t, 64, 48, 30)
	h.transcoder.set(func(c *countingTranscoder) { c.delay = 100 * time.Millisecond })

	const n = 8
	results := make([]*models.UploadResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.uploads.SubmitUpload(ctx, uploadOf(data, fmt.Sprintf("owner-%d", i)))
		}(i)
	}
	wg.Wait()

	novel := 0
	ids := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if !results[i].IsDuplicate {
			novel++
		}
		ids[results[i].MediaID] = true
		assert.Equal(t, results[0].URL, results[i].URL)
	}
	assert.Equal(t, 1, novel)
	assert.Len(t, ids, n)
	assert.Equal(t, int32(1), h.transcoder.runs.Load())

	entry, err := h.registry.Lookup(ctx, results[0].Digest)
	require.NoError(t, err)
	assert.Equal(t, n, entry.RefCount)
}

func TestSubmitUpload_FollowerOutlivesExpiredLeader(t *testing.T) {
	h := newHarness(t)
	data := pngBytes(t, 64, 48, 35)
	h.transcoder.set(func(c *countingTranscoder) { c.delay = 300 * time.Millisecond })

	leaderCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var (
		wg        sync.WaitGroup
		leaderErr error
		follower  *models.UploadResult
		followErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, leaderErr = h.uploads.SubmitUpload(leaderCtx, uploadOf(data, "alice"))
	}()
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		follower, followErr = h.uploads.SubmitUpload(context.Background(), uploadOf(data, "bob"))
	}()
	wg.Wait()

	require.Error(t, leaderErr)
	assert.True(t, errors.Is(leaderErr, mediaerr.ErrTimeout))

	require.NoError(t, followErr)
	assert.False(t, follower.IsDuplicate)
	assert.Equal(t, int32(2), h.transcoder.runs.Load())

	entry, err := h.registry.Lookup(context.Background(), follower.Digest)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.RefCount)
	assert.Len(t, filesUnder(t, h.paths.ArtifactRoot), 1)
}

func TestSubmitUpload_ProcessingFailureLeavesNoFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := pngBytes(t, 64, 48, 40)
	h.transcoder.set(func(c *countingTranscoder) {
		c.failWith = mediaerr.ProcessingFailed(nil, "encoder crashed")
	})

	_, err := h.uploads.SubmitUpload(ctx, uploadOf(data, "alice"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, mediaerr.ErrProcessingFailed))
	assert.Equal(t, StageTranscoding, mediaerr.StageOf(err))

	assert.Empty(t, filesUnder(t, h.paths.ArtifactRoot))
	assert.Empty(t, filesUnder(t, h.paths.ThumbnailRoot))
	assert.Empty(t, filesUnder(t, h.tempDir))

	entry, err := h.registry.Lookup(ctx, h.hasher.Bytes(data))
	require.NoError(t, err)
	assert.Nil(t, entry)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		h.metrics.UploadFailures.WithLabelValues(string(mediaerr.KindProcessingFailed), StageTranscoding)))

	// the same content goes through once the encoder recovers
	h.transcoder.set(func(c *countingTranscoder) { c.failWith = nil })
	res, err := h.uploads.SubmitUpload(ctx, uploadOf(data, "alice"))
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
}

func TestSubmitUpload_RejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.uploads.SubmitUpload(ctx, uploadOf(nil, "alice"))
	assert.True(t, errors.Is(err, mediaerr.ErrInput))
	assert.Equal(t, StageReceiving, mediaerr.StageOf(err))

	_, err = h.uploads.SubmitUpload(ctx, &UploadInput{OwnerID: "alice"})
	assert.True(t, errors.Is(err, mediaerr.ErrInput))

	_, err = h.uploads.SubmitUpload(ctx, uploadOf([]byte("just some text, not media"), "alice"))
	assert.True(t, errors.Is(err, mediaerr.ErrInput))
	assert.Equal(t, StageTranscoding, mediaerr.StageOf(err))

	assert.Empty(t, filesUnder(t, h.tempDir))
	assert.Empty(t, filesUnder(t, h.paths.ArtifactRoot))
	assert.Zero(t, h.transcoder.runs.Load())
}

func TestSubmitUpload_LostRaceBindsToWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := pngBytes(t, 64, 48, 50)
	sum := h.hasher.Bytes(data)
	path, err := h.paths.Derive(sum, "jpg")
	require.NoError(t, err)

	// another instance registers the digest while this one transcodes
	var winner *models.ContentHashEntry
	h.transcoder.set(func(c *countingTranscoder) {
		c.beforeReturn = func() {
			var err error
			winner, _, err = h.store.Upsert(ctx, &models.ContentHashEntry{
				ID:           uuid.New(),
				Digest:       sum,
				ArtifactPath: path.RelPath,
				MimeType:     "image/jpeg",
			})
			require.NoError(t, err)
		}
	})

	res, err := h.uploads.SubmitUpload(ctx, uploadOf(data, "alice"))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)

	entry, err := h.registry.Lookup(ctx, sum)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, entry.ID)
	assert.Equal(t, 2, entry.RefCount)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RegistryRaces))

	// our staged outputs were dropped, not published over the winner's path
	assert.NoFileExists(t, path.ArtifactPath)
	assert.Empty(t, filesUnder(t, h.paths.ArtifactRoot))
	assert.Empty(t, filesUnder(t, h.paths.ThumbnailRoot))

	media, err := h.uploads.GetMedia(ctx, uuid.MustParse(res.MediaID))
	require.NoError(t, err)
	assert.Equal(t, winner.ID, media.ContentHashID)
}

func TestEnqueue_ProcessDrivesTaskToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	taskID, err := h.uploads.Enqueue(ctx, uploadOf(pngBytes(t, 64, 48, 60), "alice"))
	require.NoError(t, err)

	task, err := h.uploads.GetTaskProgress(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskUploading, task.Status)
	assert.Equal(t, StageQueued, task.Stage)
	assert.Equal(t, 1, h.queue.Depth("media.uploads"))
	assert.Len(t, filesUnder(t, h.tempDir), 1)

	jobs := make(chan *UploadJob, 1)
	require.NoError(t, h.queue.Subscribe(ctx, "media.uploads", func(_ context.Context, key string, value []byte) error {
		var job UploadJob
		require.NoError(t, json.Unmarshal(value, &job))
		assert.Equal(t, taskID, key)
		jobs <- &job
		return nil
	}))

	var job *UploadJob
	select {
	case job = <-jobs:
	case <-time.After(2 * time.Second):
		t.Fatal("job not delivered")
	}

	require.NoError(t, h.uploads.Process(ctx, job))

	task, err = h.uploads.GetTaskProgress(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	require.NotNil(t, task.Result)
	assert.False(t, task.Result.IsDuplicate)
	assert.Empty(t, filesUnder(t, h.tempDir))

	_, err = h.uploads.GetMedia(ctx, uuid.MustParse(task.Result.MediaID))
	assert.NoError(t, err)
}

func TestProcess_FailureIsRecordedOnTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	taskID, err := h.uploads.Enqueue(ctx, uploadOf([]byte("plain text"), "alice"))
	require.NoError(t, err)

	var job UploadJob
	got := make(chan struct{})
	require.NoError(t, h.queue.Subscribe(ctx, "media.uploads", func(_ context.Context, _ string, value []byte) error {
		defer close(got)
		return json.Unmarshal(value, &job)
	}))
	<-got

	err = h.uploads.Process(ctx, &job)
	assert.True(t, errors.Is(err, mediaerr.ErrInput))

	task, err := h.uploads.GetTaskProgress(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, string(mediaerr.KindInput), task.ErrorKind)
	assert.Equal(t, StageTranscoding, task.FailedStage)
	assert.Empty(t, filesUnder(t, h.tempDir))
}

func TestProcess_SkipsTimedOutTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	taskID, err := h.uploads.Enqueue(ctx, uploadOf(pngBytes(t, 8, 8, 70), "alice"))
	require.NoError(t, err)
	require.NoError(t, h.tracker.Fail(ctx, taskID, StageQueued, mediaerr.Timeout("abandoned")))

	temp := filesUnder(t, h.tempDir)
	require.Len(t, temp, 1)

	require.NoError(t, h.uploads.Process(ctx, &UploadJob{
		TaskID:   taskID,
		TempPath: filepath.Join(h.tempDir, temp[0]),
		OwnerID:  "alice",
	}))
	assert.Zero(t, h.transcoder.runs.Load())
	assert.Empty(t, filesUnder(t, h.tempDir))
}

func TestEnqueue_PublishFailureCleansUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.queue.Close())

	_, err := h.uploads.Enqueue(ctx, uploadOf(pngBytes(t, 8, 8, 80), "alice"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, mediaerr.ErrStorage))
	assert.Empty(t, filesUnder(t, h.tempDir))
}

func TestSubmitUpload_RateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	h.uploads.rateLimiter = ratelimit.NewRateLimiter(client, ratelimit.NewTierLimits(1, 0, 0), logger.Discard())

	_, err := h.uploads.SubmitUpload(ctx, uploadOf(pngBytes(t, 8, 8, 90), "alice"))
	require.NoError(t, err)

	_, err = h.uploads.SubmitUpload(ctx, uploadOf(pngBytes(t, 8, 8, 91), "alice"))
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, ratelimit.TierLight, rl.Tier)
	assert.Greater(t, rl.RetryAfterSeconds, int64(0))

	// other owners are counted separately
	_, err = h.uploads.SubmitUpload(ctx, uploadOf(pngBytes(t, 8, 8, 92), "bob"))
	assert.NoError(t, err)
}

func TestListMedia(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.uploads.SubmitUpload(ctx, uploadOf(pngBytes(t, 8, 8, uint8(100+i)), "alice"))
		require.NoError(t, err)
	}
	_, err := h.uploads.SubmitUpload(ctx, uploadOf(pngBytes(t, 8, 8, 110), "bob"))
	require.NoError(t, err)

	list, err := h.uploads.ListMedia(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, list, 3)
	for _, m := range list {
		assert.Equal(t, "alice", m.OwnerID)
		assert.True(t, strings.HasPrefix(m.URL, "/files/media/"))
		assert.Len(t, m.ThumbnailURLs, 1)
	}
}

func TestUploadInputReaderErrorIsStorage(t *testing.T) {
	h := newHarness(t)
	in := uploadOf(nil, "alice")
	in.Reader = &failingReader{data: bytes.Repeat([]byte{1}, 10)}

	_, err := h.uploads.SubmitUpload(context.Background(), in)
	assert.True(t, errors.Is(err, mediaerr.ErrStorage))
	assert.Equal(t, StageReceiving, mediaerr.StageOf(err))
	assert.Empty(t, filesUnder(t, h.tempDir))
}

type failingReader struct {
	data []byte
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, errors.New("connection reset")
	}
	r.done = true
	return copy(p, r.data), nil
}
