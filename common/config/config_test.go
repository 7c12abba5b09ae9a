package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default("mediapipe")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "mediapipe", cfg.Service.Name)
	assert.Equal(t, 5*time.Minute, cfg.Tasks.Timeout)
	assert.Equal(t, "sha256", cfg.Storage.DigestAlgorithm)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediapipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  port: 9000
storage:
  digest_algorithm: blake3
  public_base_url: https://cdn.example.com
tasks:
  timeout: 2m
worker:
  concurrency: 8
`), 0o644))

	t.Setenv("MEDIAPIPE_CONFIG", path)
	t.Setenv("WORKER_CONCURRENCY", "3")
	t.Setenv("MAX_UPLOAD_SIZE", "512MB")

	cfg, err := Load("mediapipe")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Service.Port)
	assert.Equal(t, "blake3", cfg.Storage.DigestAlgorithm)
	assert.Equal(t, "https://cdn.example.com", cfg.Storage.PublicBaseURL)
	assert.Equal(t, 2*time.Minute, cfg.Tasks.Timeout)
	assert.Equal(t, 3, cfg.Worker.Concurrency, "environment wins over the file")
	assert.Equal(t, int64(512<<20), cfg.Service.MaxUploadBytes)
	// untouched values keep their defaults
	assert.Equal(t, 2048, cfg.Transcode.ImageMaxWidth)
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service: [unclosed"), 0o644))
	t.Setenv("MEDIAPIPE_CONFIG", path)

	_, err := Load("mediapipe")
	assert.ErrorContains(t, err, "parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Service.Port = 0 }, "invalid port"},
		{"unknown backend", func(c *Config) { c.Database.Backend = "sqlite" }, "unknown database backend"},
		{"shared roots", func(c *Config) { c.Storage.ThumbnailRoot = c.Storage.ArtifactRoot }, "must differ"},
		{"unknown digest", func(c *Config) { c.Storage.DigestAlgorithm = "md5" }, "unsupported digest"},
		{"quality", func(c *Config) { c.Transcode.ImageQuality = 0 }, "image quality"},
		{"crf", func(c *Config) { c.Transcode.VideoCRF = 60 }, "video crf"},
		{"ttl below timeout", func(c *Config) { c.Tasks.TTL = time.Minute }, "task ttl"},
		{"redis tasks without redis", func(c *Config) {
			c.Tasks.Store = "redis"
			c.Redis.Enabled = false
		}, "redis task store"},
		{"redis queue without redis", func(c *Config) {
			c.Queue.Type = "redis"
			c.Redis.Enabled = false
		}, "redis queue"},
		{"no workers", func(c *Config) { c.Worker.Concurrency = 0 }, "worker concurrency"},
		{"rate limit without redis", func(c *Config) {
			c.RateLimit.Enabled = true
			c.Redis.Enabled = false
		}, "rate limiting requires redis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("test")
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}

	cfg := Default("test")
	cfg.Database.Backend = "memory"
	cfg.Database.Host = ""
	assert.NoError(t, cfg.Validate())
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"512MB", 512 << 20, false},
		{"1.5gb", 3 << 29, false},
		{" 2 KB ", 2048, false},
		{"", 0, true},
		{"-1MB", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBytes(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
