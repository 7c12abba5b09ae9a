package digest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediapipe/common/mediaerr"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		algorithm string
		input     string
		want      string
	}{
		{SHA256, "hello", "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{BLAKE3, "", "blake3:af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
	}
	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			h, err := NewHasher(tt.algorithm)
			require.NoError(t, err)

			got, n, err := h.Compute(context.Background(), strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, int64(len(tt.input)), n)
			assert.Equal(t, tt.want, h.Bytes([]byte(tt.input)))
		})
	}
}

func TestNewHasher_Unknown(t *testing.T) {
	_, err := NewHasher("md5")
	assert.Error(t, err)
}

func TestComputeFile(t *testing.T) {
	h, err := NewHasher(SHA256)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	got, n, err := h.ComputeFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, h.Bytes([]byte("hello")), got)
	assert.Equal(t, int64(5), n)

	_, _, err = h.ComputeFile(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, mediaerr.ErrHashComputation))
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestCompute_Failures(t *testing.T) {
	h, err := NewHasher(BLAKE3)
	require.NoError(t, err)

	_, _, err = h.Compute(context.Background(), brokenReader{})
	assert.True(t, errors.Is(err, mediaerr.ErrHashComputation))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = h.Compute(ctx, strings.NewReader("data"))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, mediaerr.KindHashComputation, mediaerr.KindOf(err))
}
