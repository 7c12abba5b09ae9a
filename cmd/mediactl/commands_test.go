package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediapipe/cmd/mediapipe/container"
	"github.com/lyzr/mediapipe/cmd/mediapipe/service"
	"github.com/lyzr/mediapipe/common/bootstrap"
	"github.com/lyzr/mediapipe/common/config"
	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/metrics"
	"github.com/lyzr/mediapipe/common/process"
	redisclient "github.com/lyzr/mediapipe/common/redis"
)

func newTestContainer(t *testing.T, configure ...func(*config.Config, *bootstrap.Components)) *container.Container {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default("mediactl-test")
	cfg.Database.Backend = "memory"
	cfg.Storage.ArtifactRoot = filepath.Join(root, "media")
	cfg.Storage.ThumbnailRoot = filepath.Join(root, "thumbnails")
	cfg.Storage.TempDir = filepath.Join(root, "tmp")

	components := &bootstrap.Components{
		Config:  cfg,
		Logger:  logger.Discard(),
		Metrics: metrics.New(prometheus.NewRegistry()),
	}
	for _, fn := range configure {
		fn(cfg, components)
	}

	c, err := container.NewContainer(components, container.WithRunner(&process.FakeRunner{}))
	require.NoError(t, err)
	return c
}

func run(t *testing.T, c *container.Container, args ...string) (string, error) {
	t.Helper()
	setup := func(ctx context.Context) (*container.Container, func(), error) {
		return c, func() {}, nil
	}
	cmd := newRootCmd(setup)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(24, 24, color.NRGBA{R: shade, G: 50, B: 50, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func upload(t *testing.T, c *container.Container, data []byte, owner string) string {
	t.Helper()
	res, err := c.UploadService.SubmitUpload(context.Background(), &service.UploadInput{
		Reader:       bytes.NewReader(data),
		Filename:     "photo.png",
		DeclaredMime: "image/png",
		Size:         int64(len(data)),
		OwnerID:      owner,
	})
	require.NoError(t, err)
	return res.MediaID
}

func TestReconcileCmd(t *testing.T) {
	c := newTestContainer(t)
	upload(t, c, pngBytes(t, 1), "alice")

	out, err := run(t, c, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "No drift found.")

	entries, err := c.Store.ListMedia(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, c.RegistryService.IncrementRef(context.Background(), entries[0].ContentHashID))

	out, err = run(t, c, "reconcile", "--json")
	require.NoError(t, err)
	var res struct {
		Drift []struct {
			Was int `json:"was"`
			Now int `json:"now"`
		} `json:"drift"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Drift, 1)
	assert.Equal(t, 2, res.Drift[0].Was)
	assert.Equal(t, 1, res.Drift[0].Now)
}

func TestReapCmd(t *testing.T) {
	c := newTestContainer(t)
	ctx := context.Background()

	data := pngBytes(t, 2)
	id := upload(t, c, data, "alice")
	require.NoError(t, c.UploadService.DeleteMedia(ctx, uuid.MustParse(id), "alice"))

	// the configured grace keeps it
	out, err := run(t, c, "reap")
	require.NoError(t, err)
	assert.Contains(t, out, "Reaped 0 entries")

	time.Sleep(5 * time.Millisecond)
	out, err = run(t, c, "reap", "--grace", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "Reaped 1 entries")

	src := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(src, data, 0o644))
	out, err = run(t, c, "lookup", src)
	require.NoError(t, err)
	assert.Contains(t, out, "Stored:     no")
}

func TestSweepTempCmd(t *testing.T) {
	c := newTestContainer(t)
	tempDir := c.Components.Config.Storage.TempDir

	stale := filepath.Join(tempDir, service.TempPrefix+"old")
	require.NoError(t, os.MkdirAll(tempDir, 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	out, err := run(t, c, "sweep-temp", "--max-age", "1h", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":1}`, out)
	assert.NoFileExists(t, stale)
}

func TestLookupCmd(t *testing.T) {
	c := newTestContainer(t)
	data := pngBytes(t, 3)
	upload(t, c, data, "alice")
	upload(t, c, data, "bob")

	src := filepath.Join(t.TempDir(), "copy.png")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	out, err := run(t, c, "lookup", src, "--json")
	require.NoError(t, err)
	var res struct {
		Stored bool `json:"stored"`
		Size   int64
		Entry  struct {
			RefCount int `json:"ref_count"`
		} `json:"entry"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Stored)
	assert.Equal(t, int64(len(data)), res.Size)
	assert.Equal(t, 2, res.Entry.RefCount)

	_, err = run(t, c, "lookup", filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)

	_, err = run(t, c, "lookup")
	assert.Error(t, err)
}

func TestLimitsCmd(t *testing.T) {
	c := newTestContainer(t)
	_, err := run(t, c, "limits", "alice")
	assert.ErrorContains(t, err, "rate limiting is disabled")

	mr := miniredis.RunT(t)
	c = newTestContainer(t, func(cfg *config.Config, components *bootstrap.Components) {
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		components.Redis = redisclient.NewClient(rdb, components.Logger)
		cfg.RateLimit.Enabled = true
	})
	upload(t, c, pngBytes(t, 4), "alice")

	out, err := run(t, c, "limits", "alice")
	require.NoError(t, err)
	assert.Regexp(t, `tier:light\s+1\s`, out)

	out, err = run(t, c, "limits", "alice", "--reset")
	require.NoError(t, err)
	assert.NotRegexp(t, `tier:light\s+1\s`, out)
	assert.Regexp(t, `tier:light\s+0\s`, out)
}
