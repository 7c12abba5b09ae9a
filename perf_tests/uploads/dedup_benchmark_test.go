package uploads_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lyzr/mediapipe/cmd/mediapipe/container"
	"github.com/lyzr/mediapipe/cmd/mediapipe/service"
	"github.com/lyzr/mediapipe/common/bootstrap"
	"github.com/lyzr/mediapipe/common/config"
	"github.com/lyzr/mediapipe/common/digest"
	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/metrics"
	"github.com/lyzr/mediapipe/common/process"
	"github.com/lyzr/mediapipe/common/storagepath"
)

// newContainer builds the pipeline on the in-memory store with ffmpeg
// faked out, so only hashing, imaging and file publishing are measured.
func newContainer(b *testing.B) *container.Container {
	b.Helper()
	root := b.TempDir()
	cfg := config.Default("perf")
	cfg.Database.Backend = "memory"
	cfg.Storage.ArtifactRoot = filepath.Join(root, "media")
	cfg.Storage.ThumbnailRoot = filepath.Join(root, "thumbnails")
	cfg.Storage.TempDir = filepath.Join(root, "tmp")

	c, err := container.NewContainer(&bootstrap.Components{
		Config:  cfg,
		Logger:  logger.Discard(),
		Metrics: metrics.New(prometheus.NewRegistry()),
	}, container.WithRunner(&process.FakeRunner{}))
	if err != nil {
		b.Fatal(err)
	}
	return c
}

func pngOf(b *testing.B, w, h int, shade uint8) []byte {
	b.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{R: shade, G: 80, B: 160, A: 255})
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		b.Fatal(err)
	}
	return buf.Bytes()
}

func submit(c *container.Container, data []byte, owner string) error {
	_, err := c.UploadService.SubmitUpload(context.Background(), &service.UploadInput{
		Reader:       bytes.NewReader(data),
		Filename:     "bench.png",
		DeclaredMime: "image/png",
		Size:         int64(len(data)),
		OwnerID:      owner,
	})
	return err
}

// BenchmarkDigest compares the two supported hash algorithms
//
// Usage:
//
//	go test ./perf_tests/uploads -bench=BenchmarkDigest -benchmem
func BenchmarkDigest(b *testing.B) {
	for _, size := range []int{64 << 10, 8 << 20} {
		data := make([]byte, size)
		if _, err := rand.Read(data); err != nil {
			b.Fatal(err)
		}
		for _, algo := range []string{digest.SHA256, digest.BLAKE3} {
			h, err := digest.NewHasher(algo)
			if err != nil {
				b.Fatal(err)
			}
			b.Run(fmt.Sprintf("%s/%dKB", algo, size>>10), func(b *testing.B) {
				b.SetBytes(int64(size))
				for i := 0; i < b.N; i++ {
					if _, _, err := h.Compute(context.Background(), bytes.NewReader(data)); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

// BenchmarkDerivePath measures the sharded path derivation
func BenchmarkDerivePath(b *testing.B) {
	d := storagepath.New("/data/media", "/data/thumbnails")
	h, _ := digest.NewHasher(digest.SHA256)
	dg := h.Bytes([]byte("benchmark"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Derive(dg, "jpg"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkUpload_Duplicate measures the dedup fast path: the content is
// already registered, so each upload only hashes and adds a reference.
func BenchmarkUpload_Duplicate(b *testing.B) {
	c := newContainer(b)
	data := pngOf(b, 640, 480, 1)
	if err := submit(c, data, "seed"); err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := submit(c, data, "bench"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkUpload_Novel measures a first upload: hash, transcode, publish
// and register.
func BenchmarkUpload_Novel(b *testing.B) {
	c := newContainer(b)
	images := make([][]byte, 256)
	for i := range images {
		images[i] = pngOf(b, 640, 480, uint8(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if i > 0 && i%len(images) == 0 {
			// every shade is registered now; start over on a fresh store
			b.StopTimer()
			c = newContainer(b)
			b.StartTimer()
		}
		if err := submit(c, images[i%len(images)], "bench"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkUpload_ParallelDuplicates measures concurrent uploads of the same
// content, which share a single transcode.
func BenchmarkUpload_ParallelDuplicates(b *testing.B) {
	c := newContainer(b)
	data := pngOf(b, 640, 480, 2)
	if err := submit(c, data, "seed"); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := submit(c, data, "bench"); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
