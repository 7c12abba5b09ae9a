package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/transcoder"
)

func uploadImage(t *testing.T, h *harness, w, hgt int, shade uint8) uuid.UUID {
	t.Helper()
	res, err := h.uploads.SubmitUpload(context.Background(), uploadOf(pngBytes(t, w, hgt, shade), "alice"))
	require.NoError(t, err)
	return uuid.MustParse(res.MediaID)
}

func TestCreateVersion_NumbersAreSequential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uploadImage(t, h, 64, 48, 1)

	ops := []string{transcoder.OpRotate, transcoder.OpGrayscale, transcoder.OpResize}
	for i, op := range ops {
		v, err := h.versions.CreateVersion(ctx, &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: op, Note: op})
		require.NoError(t, err)
		assert.Equal(t, i+1, v.VersionNumber)
		assert.Equal(t, op, v.Operation)
		assert.Equal(t, "image/jpeg", v.MimeType)
		assert.FileExists(t, filepath.Join(h.paths.ArtifactRoot, filepath.FromSlash(v.ArtifactPath)))
		assert.Equal(t, "/files/media/"+v.ArtifactPath, v.URL)
	}

	versions, err := h.versions.ListVersions(ctx, id)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i, v := range versions {
		assert.Equal(t, i+1, v.VersionNumber)
		assert.Equal(t, ops[i], v.ChangeNote)
	}

	// rotation is applied to the original, so width and height swap
	require.NotNil(t, versions[0].Width)
	assert.Equal(t, 48, *versions[0].Width)
	assert.Equal(t, 64, *versions[0].Height)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.VersionsCreated.WithLabelValues(transcoder.OpRotate)))
	assert.Empty(t, stagingFiles(t, h))
}

func TestCreateVersion_ConcurrentCallsGetDistinctNumbers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uploadImage(t, h, 32, 32, 2)

	const n = 6
	numbers := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.versions.CreateVersion(ctx, &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: transcoder.OpGrayscale})
			if assert.NoError(t, err) {
				numbers <- v.VersionNumber
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[int]bool{}
	for num := range numbers {
		assert.False(t, seen[num], "version %d allocated twice", num)
		seen[num] = true
	}
	for i := 1; i <= n; i++ {
		assert.True(t, seen[i], "version %d missing", i)
	}

	versions, err := h.versions.ListVersions(ctx, id)
	require.NoError(t, err)
	paths := map[string]bool{}
	for _, v := range versions {
		paths[v.ArtifactPath] = true
	}
	assert.Len(t, paths, n)
}

func TestCreateVersion_MergesOptionsOntoDefaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uploadImage(t, h, 200, 100, 3)

	v, err := h.versions.CreateVersion(ctx, &CreateVersionRequest{
		OwnerID:   "alice",
		MediaID:   id,
		Operation: transcoder.OpResize,
		Options:   json.RawMessage(`{"max_width":50}`),
	})
	require.NoError(t, err)

	var effective map[string]interface{}
	require.NoError(t, json.Unmarshal(v.Options, &effective))
	assert.Equal(t, float64(50), effective["max_width"])
	assert.Equal(t, float64(1024), effective["max_height"])

	require.NotNil(t, v.Width)
	assert.Equal(t, 50, *v.Width)
	assert.Equal(t, 25, *v.Height)

	v, err = h.versions.CreateVersion(ctx, &CreateVersionRequest{
		OwnerID:   "alice",
		MediaID:   id,
		Operation: transcoder.OpCrop,
		Options:   json.RawMessage(`{"crop":{"x":10,"y":10,"width":40,"height":20}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v.VersionNumber)
	assert.Equal(t, 40, *v.Width)
	assert.Equal(t, 20, *v.Height)
}

func TestCreateVersion_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uploadImage(t, h, 32, 32, 4)

	tests := []struct {
		name string
		req  *CreateVersionRequest
		want error
	}{
		{
			name: "unknown operation",
			req:  &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: "sharpen"},
			want: mediaerr.ErrInput,
		},
		{
			name: "crop without rectangle",
			req:  &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: transcoder.OpCrop},
			want: mediaerr.ErrInput,
		},
		{
			name: "malformed options",
			req:  &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: transcoder.OpResize, Options: json.RawMessage(`{"max_width":`)},
			want: mediaerr.ErrInput,
		},
		{
			name: "crop outside image",
			req: &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: transcoder.OpCrop,
				Options: json.RawMessage(`{"crop":{"x":20,"y":20,"width":40,"height":40}}`)},
			want: mediaerr.ErrInput,
		},
		{
			name: "trim on an image",
			req:  &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: transcoder.OpTrim},
			want: mediaerr.ErrInput,
		},
		{
			name: "another owner's media",
			req:  &CreateVersionRequest{OwnerID: "mallory", MediaID: id, Operation: transcoder.OpRotate},
			want: mediaerr.ErrNotFound,
		},
		{
			name: "missing media",
			req:  &CreateVersionRequest{OwnerID: "alice", MediaID: uuid.New(), Operation: transcoder.OpRotate},
			want: mediaerr.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.versions.CreateVersion(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	// failures consume no version numbers
	v, err := h.versions.CreateVersion(ctx, &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: transcoder.OpRotate})
	require.NoError(t, err)
	assert.Equal(t, 1, v.VersionNumber)
	assert.Empty(t, stagingFiles(t, h))
}

func TestCreateVersion_FailedTranscodeLeavesNoFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uploadImage(t, h, 32, 32, 5)
	before := filesUnder(t, h.paths.ArtifactRoot)

	h.transcoder.set(func(c *countingTranscoder) {
		c.failWith = mediaerr.ProcessingFailed(nil, "encoder crashed")
	})
	_, err := h.versions.CreateVersion(ctx, &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: transcoder.OpGrayscale})
	assert.True(t, errors.Is(err, mediaerr.ErrProcessingFailed))
	assert.Equal(t, StageTranscoding, mediaerr.StageOf(err))
	assert.ElementsMatch(t, before, filesUnder(t, h.paths.ArtifactRoot))

	versions, err := h.versions.ListVersions(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestListVersions_DeletedMediaIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uploadImage(t, h, 32, 32, 6)

	_, err := h.versions.CreateVersion(ctx, &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: transcoder.OpRotate})
	require.NoError(t, err)
	require.NoError(t, h.uploads.DeleteMedia(ctx, id, "alice"))

	_, err = h.versions.ListVersions(ctx, id)
	assert.True(t, errors.Is(err, mediaerr.ErrNotFound))

	_, err = h.versions.CreateVersion(ctx, &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: transcoder.OpRotate})
	assert.True(t, errors.Is(err, mediaerr.ErrNotFound))
}

func TestReap_RemovesVersionFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uploadImage(t, h, 32, 32, 7)

	v, err := h.versions.CreateVersion(ctx, &CreateVersionRequest{OwnerID: "alice", MediaID: id, Operation: transcoder.OpRotate})
	require.NoError(t, err)
	versionFile := filepath.Join(h.paths.ArtifactRoot, filepath.FromSlash(v.ArtifactPath))
	require.FileExists(t, versionFile)

	require.NoError(t, h.uploads.DeleteMedia(ctx, id, "alice"))
	h.maint.now = func() time.Time { return time.Now().Add(time.Minute) }
	reaped, err := h.maint.Reap(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, []string{v.ArtifactPath}, reaped[0].VersionPaths)
	assert.NoFileExists(t, versionFile)
	assert.Empty(t, filesUnder(t, h.paths.ArtifactRoot))
	assert.Empty(t, filesUnder(t, h.paths.ThumbnailRoot))
}

// stagingFiles lists leftover staging files under both roots
func stagingFiles(t *testing.T, h *harness) []string {
	t.Helper()
	var out []string
	for _, root := range []string{h.paths.ArtifactRoot, h.paths.ThumbnailRoot} {
		for _, f := range filesUnder(t, root) {
			if strings.HasPrefix(filepath.Base(f), StagingPrefix) {
				out = append(out, f)
			}
		}
	}
	return out
}
