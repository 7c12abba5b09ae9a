package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediapipe/cmd/mediapipe/progress"
	"github.com/lyzr/mediapipe/common/digest"
	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/metrics"
	"github.com/lyzr/mediapipe/common/models"
	"github.com/lyzr/mediapipe/common/process"
	"github.com/lyzr/mediapipe/common/queue"
	"github.com/lyzr/mediapipe/common/repository"
	"github.com/lyzr/mediapipe/common/storagepath"
	"github.com/lyzr/mediapipe/common/transcoder"
)

// countingTranscoder wraps a real transcoder set and records Run calls
type countingTranscoder struct {
	MediaTranscoder

	runs atomic.Int32

	mu sync.Mutex
	// delay holds Run open so concurrent uploads overlap
	delay time.Duration
	// failWith makes Run write partial outputs and return the error
	failWith error
	// beforeReturn runs after a successful transcode
	beforeReturn func()
}

func (c *countingTranscoder) Run(ctx context.Context, plan *transcoder.Plan, in, out, thumb string) (*transcoder.Result, error) {
	c.runs.Add(1)

	c.mu.Lock()
	delay, failWith, hook := c.delay, c.failWith, c.beforeReturn
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failWith != nil {
		_ = os.MkdirAll(filepath.Dir(out), 0o755)
		_ = os.WriteFile(out, []byte("partial"), 0o644)
		if thumb != "" {
			_ = os.MkdirAll(filepath.Dir(thumb), 0o755)
			_ = os.WriteFile(thumb, []byte("partial"), 0o644)
		}
		return nil, failWith
	}

	res, err := c.MediaTranscoder.Run(ctx, plan, in, out, thumb)
	if err == nil && hook != nil {
		hook()
	}
	return res, err
}

func (c *countingTranscoder) set(fn func(c *countingTranscoder)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

type harness struct {
	root       string
	paths      *storagepath.Deriver
	tempDir    string
	store      *repository.MemoryStore
	metrics    *metrics.Pipeline
	tracker    *progress.Tracker
	queue      *queue.MemoryQueue
	hasher     *digest.Hasher
	transcoder *countingTranscoder
	registry   *RegistryService
	uploads    *UploadService
	versions   *VersionService
	maint      *MaintenanceService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.Discard()

	root := t.TempDir()
	paths := storagepath.New(filepath.Join(root, "media"), filepath.Join(root, "thumbnails"))
	tempDir := filepath.Join(root, "tmp")

	set, err := transcoder.NewSet(&process.FakeRunner{}, transcoder.SetConfig{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Image:       transcoder.Options{MaxWidth: 2048, MaxHeight: 2048, Quality: 85},
	})
	require.NoError(t, err)
	counting := &countingTranscoder{MediaTranscoder: set}

	hasher, err := digest.NewHasher(digest.SHA256)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	store := repository.NewMemoryStore()
	tracker := progress.NewTracker(progress.NewMemoryStore(100, time.Hour, log), time.Minute, log,
		progress.WithMetrics(m))
	q := queue.NewMemoryQueue(10, log)
	t.Cleanup(func() { q.Close() })

	registry := NewRegistryService(store, hasher, m, log)

	return &harness{
		root:       root,
		paths:      paths,
		tempDir:    tempDir,
		store:      store,
		metrics:    m,
		tracker:    tracker,
		queue:      q,
		hasher:     hasher,
		transcoder: counting,
		registry:   registry,
		uploads: NewUploadService(&UploadServiceOpts{
			Store:         store,
			Registry:      registry,
			Transcoder:    counting,
			Paths:         paths,
			Tracker:       tracker,
			Queue:         q,
			Topic:         "media.uploads",
			TempDir:       tempDir,
			PublicBaseURL: "/files",
			Metrics:       m,
			Logger:        log,
		}),
		versions: NewVersionService(&VersionServiceOpts{
			Store:         store,
			Transcoder:    counting,
			Paths:         paths,
			PublicBaseURL: "/files",
			Metrics:       m,
			Logger:        log,
		}),
		maint: NewMaintenanceService(&MaintenanceServiceOpts{
			Store:   store,
			Paths:   paths,
			TempDir: tempDir,
			Metrics: m,
			Logger:  log,
		}),
	}
}

// pngBytes renders a w x h image; different shades give different digests
func pngBytes(t *testing.T, w, h int, shade uint8) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: shade, G: 100, B: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func uploadOf(data []byte, owner string) *UploadInput {
	return &UploadInput{
		Reader:       bytes.NewReader(data),
		Filename:     "photo.png",
		DeclaredMime: "image/png",
		Size:         int64(len(data)),
		OwnerID:      owner,
		Metadata:     models.MediaMetadata{Title: "photo", Tags: []string{"test"}},
	}
}

// filesUnder lists regular files below dir, relative to it
func filesUnder(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			out = append(out, rel)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func decodeSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}
