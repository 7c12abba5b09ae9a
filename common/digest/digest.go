// Package digest computes content fingerprints by streaming.
package digest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/lyzr/mediapipe/common/mediaerr"
)

// Algorithm names
const (
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// Hasher computes "<algo>:<hex>" digests
type Hasher struct {
	algorithm string
}

// NewHasher returns a hasher for the named algorithm
func NewHasher(algorithm string) (*Hasher, error) {
	switch algorithm {
	case SHA256, BLAKE3:
		return &Hasher{algorithm: algorithm}, nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", algorithm)
	}
}

// Algorithm returns the algorithm name
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

func (h *Hasher) newHash() hash.Hash {
	if h.algorithm == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Compute streams r through the hash without buffering it and returns the
// digest plus the number of bytes read. Cancellation is checked between
// reads.
func (h *Hasher) Compute(ctx context.Context, r io.Reader) (string, int64, error) {
	hh := h.newHash()
	n, err := io.Copy(hh, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return "", n, mediaerr.HashComputation(err, "failed to hash stream after %d bytes", n)
	}
	return h.algorithm + ":" + hex.EncodeToString(hh.Sum(nil)), n, nil
}

// ComputeFile hashes the file at path
func (h *Hasher) ComputeFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, mediaerr.HashComputation(err, "failed to open %s", path)
	}
	defer f.Close()
	return h.Compute(ctx, f)
}

// Bytes hashes an in-memory buffer
func (h *Hasher) Bytes(data []byte) string {
	hh := h.newHash()
	hh.Write(data)
	return h.algorithm + ":" + hex.EncodeToString(hh.Sum(nil))
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
